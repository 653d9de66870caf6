package interact

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/relaybot/skillhost/internal/chat"
	"github.com/relaybot/skillhost/internal/invoke"
	"github.com/relaybot/skillhost/internal/skill"
	"github.com/relaybot/skillhost/internal/story"
)

type sentMessage struct {
	target  chat.Target
	text    string
	buttons []chat.Button
}

type fakeMessenger struct {
	sent    []sentMessage
	expired []string
	nextID  int
}

func (m *fakeMessenger) Send(_ context.Context, target chat.Target, text string, buttons []chat.Button) (string, error) {
	m.sent = append(m.sent, sentMessage{target: target, text: text, buttons: buttons})
	m.nextID++
	return fmt.Sprintf("msg-%d", m.nextID), nil
}

func (m *fakeMessenger) Expire(_ context.Context, messageID string) error {
	m.expired = append(m.expired, messageID)
	return nil
}

const caveStory = `{
	"start": "entrance",
	"passages": [
		{
			"name": "entrance",
			"lines": [{"text": "A dark cave."}],
			"choices": [
				{"label": "Enter", "target": "inside"},
				{"label": "Leave", "target": "away"}
			]
		},
		{"name": "inside", "lines": [{"text": "Pitch black."}]},
		{"name": "away", "lines": [{"text": "You head home."}]}
	]
}`

func testEngine(t *testing.T) (*Engine, *MemoryStates, *fakeMessenger, *story.Program) {
	t.Helper()
	prog, err := story.Parse([]byte(caveStory))
	if err != nil {
		t.Fatal(err)
	}
	states := NewMemoryStates()
	messenger := &fakeMessenger{}
	engine := NewEngine(story.NewInterpreter(), states, messenger, nil)
	return engine, states, messenger, prog
}

func commandCall() *invoke.Context {
	return &invoke.Context{
		Trigger:   invoke.TriggerCommand,
		SkillName: "cave",
		Scope:     skill.ScopeConversation,
		ContextID: "conv-1",
		ChannelID: "chan-1",
		ThreadID:  "thread-1",
	}
}

func interactionCall(value string) *invoke.Context {
	c := commandCall()
	c.Trigger = invoke.TriggerInteraction
	c.Interaction = &invoke.Interaction{Value: value}
	return c
}

func mustGet(t *testing.T, states *MemoryStates, key string) (string, bool) {
	t.Helper()
	v, ok, err := states.Get(context.Background(), skill.ScopeConversation, "conv-1", key)
	if err != nil {
		t.Fatal(err)
	}
	return v, ok
}

func TestFreshCommandSuspendsWithButtons(t *testing.T) {
	engine, states, messenger, prog := testEngine(t)

	if err := engine.Step(context.Background(), prog, commandCall()); err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}

	if len(messenger.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(messenger.sent))
	}
	msg := messenger.sent[0]
	if msg.text != "A dark cave." {
		t.Errorf("text = %q, want the entrance line", msg.text)
	}
	gen, ok := mustGet(t, states, KeyGeneration)
	if !ok || gen == "" {
		t.Fatal("no generation token persisted")
	}
	if len(msg.buttons) != 2 {
		t.Fatalf("got %d buttons, want 2", len(msg.buttons))
	}
	if msg.buttons[0].Value != "0 "+gen || msg.buttons[1].Value != "1 "+gen {
		t.Errorf("button values = %q, %q; want %q and %q",
			msg.buttons[0].Value, msg.buttons[1].Value, "0 "+gen, "1 "+gen)
	}
	if _, ok := mustGet(t, states, KeyState); !ok {
		t.Error("no interpreter state persisted after suspension")
	}
	if active, ok := mustGet(t, states, KeyActiveMessage); !ok || active != "msg-1" {
		t.Errorf("active message = %q, %v; want msg-1", active, ok)
	}
}

func TestStaleGenerationIsSilentNoOp(t *testing.T) {
	engine, states, messenger, prog := testEngine(t)

	if err := engine.Step(context.Background(), prog, commandCall()); err != nil {
		t.Fatal(err)
	}
	before := len(messenger.sent)
	stateBefore, _ := mustGet(t, states, KeyState)
	genBefore, _ := mustGet(t, states, KeyGeneration)

	if err := engine.Step(context.Background(), prog, interactionCall("1 not-the-generation")); err != nil {
		t.Fatalf("Step returned unexpected error for a stale interaction: %v", err)
	}

	if len(messenger.sent) != before {
		t.Error("stale interaction produced a reply, want silence")
	}
	stateAfter, _ := mustGet(t, states, KeyState)
	genAfter, _ := mustGet(t, states, KeyGeneration)
	if stateAfter != stateBefore || genAfter != genBefore {
		t.Error("stale interaction mutated persisted keys")
	}
}

func TestInteractionWithoutStateIsSilentNoOp(t *testing.T) {
	engine, _, messenger, prog := testEngine(t)

	if err := engine.Step(context.Background(), prog, interactionCall("0 G1")); err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}
	if len(messenger.sent) != 0 {
		t.Error("interaction without prior state produced a reply, want silence")
	}
}

func TestMatchingInteractionConcludes(t *testing.T) {
	engine, states, messenger, prog := testEngine(t)

	if err := engine.Step(context.Background(), prog, commandCall()); err != nil {
		t.Fatal(err)
	}
	gen, _ := mustGet(t, states, KeyGeneration)

	// Click the second button: "Leave" -> the away passage, which ends
	// the story.
	if err := engine.Step(context.Background(), prog, interactionCall("1 "+gen)); err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}

	if len(messenger.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(messenger.sent))
	}
	final := messenger.sent[1]
	if final.text != "You head home." {
		t.Errorf("final text = %q, want the away passage", final.text)
	}
	// The conclusion goes back to the originally active message.
	if final.target.MessageID != "msg-1" {
		t.Errorf("final target message = %q, want msg-1", final.target.MessageID)
	}
	if len(final.buttons) != 0 {
		t.Errorf("final message has %d buttons, want none", len(final.buttons))
	}
	// Concluded: all three keys stay deleted.
	for _, key := range []string{KeyState, KeyGeneration, KeyActiveMessage} {
		if _, ok := mustGet(t, states, key); ok {
			t.Errorf("key %q still persisted after conclusion", key)
		}
	}
}

func TestMatchingInteractionCanSuspendAgain(t *testing.T) {
	engine, states, messenger, _ := testEngine(t)

	// A story that offers choices twice.
	const twoStep = `{
		"start": "a",
		"passages": [
			{"name": "a", "lines": [{"text": "First."}],
			 "choices": [{"label": "On", "target": "b"}]},
			{"name": "b", "lines": [{"text": "Second."}],
			 "choices": [{"label": "End", "target": "c"}]},
			{"name": "c", "lines": [{"text": "Done."}]}
		]
	}`
	prog2, err := story.Parse([]byte(twoStep))
	if err != nil {
		t.Fatal(err)
	}

	if err := engine.Step(context.Background(), prog2, commandCall()); err != nil {
		t.Fatal(err)
	}
	gen1, _ := mustGet(t, states, KeyGeneration)

	if err := engine.Step(context.Background(), prog2, interactionCall("0 "+gen1)); err != nil {
		t.Fatal(err)
	}

	gen2, ok := mustGet(t, states, KeyGeneration)
	if !ok {
		t.Fatal("no generation persisted after second suspension")
	}
	if gen2 != gen1 {
		t.Errorf("generation changed across a resume: %q -> %q", gen1, gen2)
	}
	second := messenger.sent[1]
	// The resumed step targets the previously active message.
	if second.target.MessageID != "msg-1" {
		t.Errorf("resumed message target = %q, want msg-1", second.target.MessageID)
	}
	if len(second.buttons) != 1 || second.buttons[0].Value != "0 "+gen1 {
		t.Errorf("resumed buttons = %v, want one valued %q", second.buttons, "0 "+gen1)
	}
}

func TestResetDiscardsStateAndExpiresMessage(t *testing.T) {
	engine, states, messenger, prog := testEngine(t)

	if err := engine.Step(context.Background(), prog, commandCall()); err != nil {
		t.Fatal(err)
	}
	gen1, _ := mustGet(t, states, KeyGeneration)

	resetCall := interactionCall("1 " + gen1)
	resetCall.Interaction.Reset = true
	if err := engine.Step(context.Background(), prog, resetCall); err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}

	if len(messenger.expired) != 1 || messenger.expired[0] != "msg-1" {
		t.Errorf("expired = %v, want the previous active message msg-1", messenger.expired)
	}
	gen2, ok := mustGet(t, states, KeyGeneration)
	if !ok {
		t.Fatal("no generation persisted after reset")
	}
	if gen2 == gen1 {
		t.Error("reset did not mint a new generation token")
	}
	// The story restarted from the top.
	latest := messenger.sent[len(messenger.sent)-1]
	if latest.text != "A dark cave." {
		t.Errorf("text after reset = %q, want the entrance line", latest.text)
	}
}

func TestScriptErrorCarriesSourceLine(t *testing.T) {
	engine, _, _, _ := testEngine(t)
	const broken = `{
		"passages": [
			{"name": "a", "lines": [{"text": "x", "if": "1 +", "line": 5}]}
		]
	}`
	prog, err := story.Parse([]byte(broken))
	if err != nil {
		t.Fatal(err)
	}

	err = engine.Step(context.Background(), prog, commandCall())
	se, ok := err.(*invoke.ScriptError)
	if !ok {
		t.Fatalf("Step error = %T (%v), want *invoke.ScriptError", err, err)
	}
	if se.Kind != "StoryError" {
		t.Errorf("Kind = %q, want StoryError", se.Kind)
	}
	if len(se.Frames) != 1 || se.Frames[0].Line != 5 {
		t.Errorf("Frames = %v, want one frame at line 5", se.Frames)
	}
	if !strings.Contains(se.Message, "1 +") {
		t.Errorf("Message = %q, want the failing expression named", se.Message)
	}
}

func TestParseInteractionValue(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"0 G1", true},
		{"12 01J3ZK", true},
		{"", false},
		{"justone", false},
		{"x G1", false},
		{"-1 G1", false},
		{"1 G1 extra", false},
	}
	for _, tc := range cases {
		if _, _, ok := parseInteractionValue(tc.value); ok != tc.ok {
			t.Errorf("parseInteractionValue(%q) ok = %v, want %v", tc.value, ok, tc.ok)
		}
	}
}
