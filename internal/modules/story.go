package modules

import (
	"context"

	"github.com/relaybot/skillhost/internal/interact"
	"github.com/relaybot/skillhost/internal/invoke"
	"github.com/relaybot/skillhost/internal/skill"
	"github.com/relaybot/skillhost/internal/story"
)

// loadStory parses the compiled story artifact. A program that fails to
// parse is a corrupt artifact, not a skill error.
func (o *Orchestrator) loadStory(id skill.ArtifactID, data []byte) (Module, error) {
	prog, err := story.Parse(data)
	if err != nil {
		return nil, &LoadError{ID: id, Err: err}
	}
	return &storyModule{id: id, prog: prog, engine: o.engine}, nil
}

// storyModule is a narrative skill. All execution state lives in the
// interact engine; the module itself holds only the parsed program, so
// Close has nothing to release.
type storyModule struct {
	id     skill.ArtifactID
	prog   *story.Program
	engine *interact.Engine
}

func (m *storyModule) Name() string { return m.id.SkillName }

func (m *storyModule) Close() error { return nil }

func (m *storyModule) Invoke(ctx context.Context, call *invoke.Context) error {
	return m.engine.Step(ctx, m.prog, call)
}
