// Package invoke runs loaded skill modules against a per-call context and
// normalizes their results into structured responses.
package invoke

import (
	"context"
	"sync"

	"github.com/relaybot/skillhost/internal/skill"
)

// Trigger classifies what caused an invocation.
type Trigger int

const (
	// TriggerCommand is a fresh chat command.
	TriggerCommand Trigger = iota
	// TriggerInteraction is a click on an interactive control of a
	// previously sent message.
	TriggerInteraction
	// TriggerHTTP is an inbound HTTP request routed to the skill.
	TriggerHTTP
)

// Interaction carries the payload of an interactive-control callback.
type Interaction struct {
	// Value is the opaque control value, encoded "{choiceIndex} {generation}".
	Value string
	// Reset discards any persisted session state before running.
	Reset bool
}

// Module is a loaded, invokable skill. Implementations live in the modules
// package; the runtime owns a module only for the duration of one call.
type Module interface {
	Name() string
	Invoke(ctx context.Context, call *Context) error
}

// Context is the per-call state a skill reads from and writes to.
// It is owned by one invocation and safe for use by the skill's own
// goroutines.
type Context struct {
	Trigger   Trigger
	TenantID  string
	SkillID   string
	SkillName string
	Language  skill.Language

	// Persistence partition for interactive state.
	Scope     skill.Scope
	ContextID string

	UserID    string
	ChannelID string
	ThreadID  string

	Args        map[string]string
	Interaction *Interaction

	mu       sync.Mutex
	replies  []string
	outputs  map[string]any
	httpBody string
	httpType string
	httpHdrs map[string]string
}

// Reply appends a reply the skill wants delivered to the user.
func (c *Context) Reply(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, text)
}

// Replies returns the accumulated replies.
func (c *Context) Replies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.replies...)
}

// SetOutput records a named output value.
func (c *Context) SetOutput(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputs == nil {
		c.outputs = make(map[string]any)
	}
	c.outputs[key] = value
}

// Outputs returns the accumulated output values.
func (c *Context) Outputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// SetHTTPContent records the response body and content type for
// HTTP-triggered invocations.
func (c *Context) SetHTTPContent(body, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpBody = body
	c.httpType = contentType
}

// SetHTTPHeader records a response header for HTTP-triggered invocations.
func (c *Context) SetHTTPHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpHdrs == nil {
		c.httpHdrs = make(map[string]string)
	}
	c.httpHdrs[key] = value
}

func (c *Context) httpContent() (body, contentType string, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdrs := make(map[string]string, len(c.httpHdrs))
	for k, v := range c.httpHdrs {
		hdrs[k] = v
	}
	return c.httpBody, c.httpType, hdrs
}
