package interact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/relaybot/skillhost/internal/chat"
	"github.com/relaybot/skillhost/internal/invoke"
	"github.com/relaybot/skillhost/internal/skill"
	"github.com/relaybot/skillhost/internal/story"
)

// Engine drives narrative skills. It owns the one shared story interpreter
// in the process; because the interpreter is not safe for concurrent use,
// every step — across all tenants and all narrative skills — runs under a
// single process-wide lock. A deliberate correctness-over-throughput
// tradeoff: narrative steps are short and rare compared to generic skill
// invocations, which stay fully concurrent.
type Engine struct {
	mu        sync.Mutex
	interp    *story.Interpreter
	states    States
	messenger chat.Messenger
	logger    *slog.Logger
}

// NewEngine creates an engine around the shared interpreter.
func NewEngine(interp *story.Interpreter, states States, messenger chat.Messenger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{interp: interp, states: states, messenger: messenger, logger: logger}
}

// Step runs one narrative step for the given program and call.
//
// Resume protocol: a fresh command (or an explicit reset) expires the
// previous interactive message, wipes any persisted session and starts the
// story from the top under a new generation token. An interaction whose
// generation token does not match the persisted one — or that arrives with
// no persisted session at all — is a click on a stale control: it does
// nothing and replies with nothing. A matching interaction restores the
// interpreter from the persisted state.
//
// The three persisted keys are deleted before any interpreter work, so a
// failed step can never leave stale state behind; they are rewritten only
// after a successful step that suspended on choices.
func (e *Engine) Step(ctx context.Context, prog *story.Program, call *invoke.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	scope, contextID := call.Scope, call.ContextID

	stateBlob, hasState, err := e.states.Get(ctx, scope, contextID, KeyState)
	if err != nil {
		return fmt.Errorf("interact: read state: %w", err)
	}
	generation, _, err := e.states.Get(ctx, scope, contextID, KeyGeneration)
	if err != nil {
		return fmt.Errorf("interact: read generation: %w", err)
	}
	activeMessage, _, err := e.states.Get(ctx, scope, contextID, KeyActiveMessage)
	if err != nil {
		return fmt.Errorf("interact: read active message: %w", err)
	}

	interaction := call.Trigger == invoke.TriggerInteraction && call.Interaction != nil
	reset := call.Interaction != nil && call.Interaction.Reset
	choice := -1

	if !interaction || reset {
		if activeMessage != "" {
			if err := e.messenger.Expire(ctx, activeMessage); err != nil {
				e.logger.Warn("expiring previous interactive message failed",
					"message_id", activeMessage, "error", err)
			}
		}
		if err := e.wipe(ctx, scope, contextID); err != nil {
			return err
		}
		activeMessage = ""
		generation = ulid.Make().String()
		e.interp.Load(prog)
	} else {
		clicked, clickedGen, ok := parseInteractionValue(call.Interaction.Value)
		if !ok || !hasState || clickedGen != generation {
			// A stale control. Not an error: no reply, no mutation.
			e.logger.Debug("ignoring stale interaction",
				"context_id", contextID, "clicked_generation", clickedGen)
			return nil
		}
		choice = clicked

		if err := e.wipe(ctx, scope, contextID); err != nil {
			return err
		}
		e.interp.Load(prog)
		if err := e.interp.RestoreState([]byte(stateBlob)); err != nil {
			return e.scriptError(err, call)
		}
	}

	if choice >= 0 {
		if err := e.interp.Choose(choice); err != nil {
			return e.scriptError(err, call)
		}
	}

	var text strings.Builder
	for e.interp.CanContinue() {
		line, err := e.interp.Continue()
		if err != nil {
			return e.scriptError(err, call)
		}
		if line != "" {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(line)
		}
	}

	labels, err := e.interp.Choices()
	if err != nil {
		return e.scriptError(err, call)
	}

	if len(labels) > 0 {
		return e.suspend(ctx, call, scope, contextID, generation, activeMessage, text.String(), labels)
	}
	return e.conclude(ctx, call, activeMessage, text.String())
}

// suspend sends the accumulated text with one button per choice and
// persists the session for the next interaction.
func (e *Engine) suspend(ctx context.Context, call *invoke.Context, scope skill.Scope, contextID, generation, activeMessage, text string, labels []string) error {
	buttons := make([]chat.Button, len(labels))
	for i, label := range labels {
		buttons[i] = chat.Button{
			Label: label,
			Value: fmt.Sprintf("%d %s", i, generation),
		}
	}

	messageID, err := e.messenger.Send(ctx, e.target(call, activeMessage), text, buttons)
	if err != nil {
		return fmt.Errorf("interact: send interactive message: %w", err)
	}

	saved, err := e.interp.SaveState()
	if err != nil {
		return fmt.Errorf("interact: save interpreter state: %w", err)
	}
	if err := e.states.Set(ctx, scope, contextID, KeyState, string(saved)); err != nil {
		return fmt.Errorf("interact: persist state: %w", err)
	}
	if err := e.states.Set(ctx, scope, contextID, KeyGeneration, generation); err != nil {
		return fmt.Errorf("interact: persist generation: %w", err)
	}
	if messageID != "" {
		if err := e.states.Set(ctx, scope, contextID, KeyActiveMessage, messageID); err != nil {
			return fmt.Errorf("interact: persist active message: %w", err)
		}
	}

	call.Reply(text)
	return nil
}

// conclude replies with the final text; the session keys stay deleted.
func (e *Engine) conclude(ctx context.Context, call *invoke.Context, activeMessage, text string) error {
	if text == "" {
		return nil
	}
	target, ok := e.concludeTarget(call, activeMessage)
	if ok {
		if _, err := e.messenger.Send(ctx, target, text, nil); err != nil {
			return fmt.Errorf("interact: send final reply: %w", err)
		}
	}
	call.Reply(text)
	return nil
}

// target prefers the last active message's location; a fresh session posts
// to the current thread.
func (e *Engine) target(call *invoke.Context, activeMessage string) chat.Target {
	if activeMessage != "" {
		return chat.Target{MessageID: activeMessage, ChannelID: call.ChannelID}
	}
	return chat.Target{ChannelID: call.ChannelID, ThreadID: call.ThreadID}
}

// concludeTarget falls back to the current thread only for conversation-
// and user-scoped skills.
func (e *Engine) concludeTarget(call *invoke.Context, activeMessage string) (chat.Target, bool) {
	if activeMessage != "" {
		return chat.Target{MessageID: activeMessage, ChannelID: call.ChannelID}, true
	}
	if call.Scope == skill.ScopeConversation || call.Scope == skill.ScopeUser {
		return chat.Target{ChannelID: call.ChannelID, ThreadID: call.ThreadID}, true
	}
	return chat.Target{}, false
}

func (e *Engine) wipe(ctx context.Context, scope skill.Scope, contextID string) error {
	if err := e.states.Delete(ctx, scope, contextID, KeyState, KeyGeneration, KeyActiveMessage); err != nil {
		return fmt.Errorf("interact: wipe session: %w", err)
	}
	return nil
}

// scriptError converts an interpreter failure into the script-error shape
// the execution runtime reports to users.
func (e *Engine) scriptError(err error, call *invoke.Context) error {
	frame := invoke.Frame{Function: call.SkillName}
	var ee *story.EvalError
	if errors.As(err, &ee) {
		frame.Line = ee.Line
	}
	return &invoke.ScriptError{
		Kind:    "StoryError",
		Message: err.Error(),
		Frames:  []invoke.Frame{frame},
	}
}

// parseInteractionValue decodes a "{choiceIndex} {generation}" control value.
func parseInteractionValue(value string) (choice int, generation string, ok bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, "", false
	}
	return n, fields[1], true
}
