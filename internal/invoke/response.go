package invoke

import (
	"errors"
	"fmt"
	"strings"
)

// RuntimeError is the structured form of an exception caught at the
// execution-runtime boundary. Immutable once constructed.
type RuntimeError struct {
	ErrorID     string `json:"errorId"`
	Description string `json:"description"`
	StackTrace  string `json:"stackTrace"`
	LineStart   int    `json:"lineStart"`
	LineEnd     int    `json:"lineEnd"`
}

// Response is the terminal artifact of one invocation, returned to the
// external caller.
type Response struct {
	Success bool           `json:"success"`
	Replies []string       `json:"replies"`
	Outputs map[string]any `json:"outputs"`
	Errors  []RuntimeError `json:"errors,omitempty"`

	HTTPContent     string            `json:"httpContent,omitempty"`
	HTTPContentType string            `json:"httpContentType,omitempty"`
	HTTPHeaders     map[string]string `json:"httpHeaders,omitempty"`

	// Status is the HTTP-equivalent status signalled to the collaborator
	// boundary: 200 on success, 500 on a caught skill error.
	Status int `json:"-"`
}

// Frame is one entry of a captured guest stack. Line is the 1-based source
// line, 0 when unknown.
type Frame struct {
	Function string
	Line     int
}

// ScriptError is an exception raised by a skill's own code, carried across
// the module boundary with whatever stack the runtime could capture.
type ScriptError struct {
	Kind    string // the exception's type name
	Message string
	Frames  []Frame
}

func (e *ScriptError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// loadFailure is implemented by structural artifact-load errors. Those are
// retried by the cache tier rather than reported as skill errors.
type loadFailure interface {
	StructuralLoad() bool
}

// newRuntimeError converts a caught error into a RuntimeError. The first
// raw stack frame's source line becomes LineStart/LineEnd (0-based,
// defaulting to 0); the stack trace is cleaned for display.
func newRuntimeError(err error, displayName string) RuntimeError {
	var frames []Frame
	kind := fmt.Sprintf("%T", err)
	msg := err.Error()
	var se *ScriptError
	if errors.As(err, &se) {
		kind, msg, frames = se.Kind, se.Message, se.Frames
	}

	line := 0
	if len(frames) > 0 && frames[0].Line > 0 {
		line = frames[0].Line - 1
	}

	return RuntimeError{
		ErrorID:     errorClassException,
		Description: strings.TrimSpace(kind + ": " + msg),
		StackTrace:  formatStack(cleanFrames(frames, displayName)),
		LineStart:   line,
		LineEnd:     line,
	}
}
