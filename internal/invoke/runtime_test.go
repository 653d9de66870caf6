package invoke

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/relaybot/skillhost/internal/skill"
)

type fakeModule struct {
	name string
	fn   func(ctx context.Context, call *Context) error
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Invoke(ctx context.Context, call *Context) error {
	return m.fn(ctx, call)
}

type fakeLoadError struct{ msg string }

func (e *fakeLoadError) Error() string        { return e.msg }
func (e *fakeLoadError) StructuralLoad() bool { return true }

func newCall() *Context {
	return &Context{
		TenantID:  "org1",
		SkillName: "greet",
		Language:  skill.LangWasm,
	}
}

func TestRunSuccessGathersRepliesAndOutputs(t *testing.T) {
	r := NewRunner(nil, nil)
	mod := &fakeModule{name: "greet", fn: func(_ context.Context, call *Context) error {
		call.Reply("Hello")
		call.SetOutput("count", 3)
		return nil
	}}

	resp, err := r.Run(context.Background(), mod, newCall())
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if !resp.Success {
		t.Error("Success = false, want true")
	}
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if len(resp.Replies) != 1 || resp.Replies[0] != "Hello" {
		t.Errorf("Replies = %v, want [Hello]", resp.Replies)
	}
	if resp.Outputs["count"] != 3 {
		t.Errorf("Outputs[count] = %v, want 3", resp.Outputs["count"])
	}
	if len(resp.Errors) != 0 {
		t.Errorf("Errors = %v, want none", resp.Errors)
	}
}

func TestRunConvertsScriptError(t *testing.T) {
	r := NewRunner(nil, nil)
	mod := &fakeModule{name: "greet", fn: func(_ context.Context, _ *Context) error {
		return &ScriptError{
			Kind:    "ValueError",
			Message: "bad input",
			Frames: []Frame{
				{Function: "run", Line: 42},
				{Function: "helper", Line: 7},
			},
		}
	}}

	resp, err := r.Run(context.Background(), mod, newCall())
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if resp.Success {
		t.Error("Success = true, want false")
	}
	if resp.Status != 500 {
		t.Errorf("Status = %d, want 500", resp.Status)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("got %d errors, want exactly 1", len(resp.Errors))
	}
	re := resp.Errors[0]
	if re.ErrorID != "Exception" {
		t.Errorf("ErrorID = %q, want %q", re.ErrorID, "Exception")
	}
	if re.Description != "ValueError: bad input" {
		t.Errorf("Description = %q, want %q", re.Description, "ValueError: bad input")
	}
	// First frame reports source line 42, converted to 0-based.
	if re.LineStart != 41 || re.LineEnd != 41 {
		t.Errorf("LineStart/LineEnd = %d/%d, want 41/41", re.LineStart, re.LineEnd)
	}
	// The synthetic entry frame is shown under the skill's display name.
	if !strings.Contains(re.StackTrace, "greet") {
		t.Errorf("StackTrace %q does not show the skill display name", re.StackTrace)
	}
	if len(resp.Replies) != 1 || !strings.Contains(resp.Replies[0], "Sorry") {
		t.Errorf("Replies = %v, want one apology reply", resp.Replies)
	}
}

func TestRunDefaultsLineToZero(t *testing.T) {
	r := NewRunner(nil, nil)
	mod := &fakeModule{name: "greet", fn: func(_ context.Context, _ *Context) error {
		return &ScriptError{Kind: "Trap", Message: "unreachable"}
	}}

	resp, err := r.Run(context.Background(), mod, newCall())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Errors[0].LineStart != 0 || resp.Errors[0].LineEnd != 0 {
		t.Errorf("LineStart/LineEnd = %d/%d, want 0/0",
			resp.Errors[0].LineStart, resp.Errors[0].LineEnd)
	}
}

func TestRunPropagatesStructuralLoadFailure(t *testing.T) {
	r := NewRunner(nil, nil)
	want := &fakeLoadError{msg: "bad image"}
	mod := &fakeModule{name: "greet", fn: func(_ context.Context, _ *Context) error {
		return want
	}}

	resp, err := r.Run(context.Background(), mod, newCall())
	if resp != nil {
		t.Errorf("got response %+v, want nil for a structural load failure", resp)
	}
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want the load failure to propagate", err)
	}
}

func TestRunCopiesHTTPContent(t *testing.T) {
	r := NewRunner(nil, nil)
	mod := &fakeModule{name: "hook", fn: func(_ context.Context, call *Context) error {
		call.SetHTTPContent(`{"ok":true}`, "application/json")
		call.SetHTTPHeader("X-Request-Id", "r-1")
		return nil
	}}
	call := newCall()
	call.Trigger = TriggerHTTP

	resp, err := r.Run(context.Background(), mod, call)
	if err != nil {
		t.Fatal(err)
	}
	if resp.HTTPContent != `{"ok":true}` || resp.HTTPContentType != "application/json" {
		t.Errorf("HTTP content = %q (%q), want body and content type copied",
			resp.HTTPContent, resp.HTTPContentType)
	}
	if resp.HTTPHeaders["X-Request-Id"] != "r-1" {
		t.Errorf("HTTPHeaders = %v, want X-Request-Id copied", resp.HTTPHeaders)
	}
}

func TestCleanFrames(t *testing.T) {
	frames := []Frame{
		{Function: "run", Line: 42},
		{Function: "wasi_snapshot_preview1.fd_write"},
		{Function: "helper", Line: 7},
		{Function: "--- previous location ---"},
		{Function: "outer", Line: 99},
	}
	got := cleanFrames(frames, "greet")
	if len(got) != 2 {
		t.Fatalf("cleanFrames kept %d frames (%v), want 2", len(got), got)
	}
	if got[0].Function != "greet" || got[0].Line != 42 {
		t.Errorf("top frame = %+v, want display name greet at line 42", got[0])
	}
	if got[1].Function != "helper" {
		t.Errorf("second frame = %+v, want helper", got[1])
	}
}
