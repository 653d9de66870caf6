package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/relaybot/skillhost/internal/invoke"
	"github.com/relaybot/skillhost/internal/skill"
)

// Entry convention for compiled wasm skills: the module exports alloc to
// reserve guest memory and run to execute. run receives a pointer/length
// pair holding the JSON call payload and returns ptr<<32|len of the JSON
// result in guest memory.
const (
	wasmExportAlloc = "alloc"
	wasmExportRun   = "run"
)

// loadWasm compiles the artifact bytes under a module-private runtime.
// Compilation failure means the stored bytes are not a valid module.
func (o *Orchestrator) loadWasm(ctx context.Context, id skill.ArtifactID, data, symbols []byte) (Module, error) {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, &LoadError{ID: id, Err: err}
	}

	lines := map[string]int{}
	if len(symbols) > 0 {
		if err := json.Unmarshal(symbols, &lines); err != nil {
			o.logger.Warn("parsing symbols failed, stack traces will have no line numbers",
				"tenant_id", id.TenantID, "skill", id.SkillName, "error", err)
			lines = map[string]int{}
		}
	}

	return &wasmModule{
		id:       id,
		runtime:  rt,
		compiled: compiled,
		lines:    lines,
	}, nil
}

// wasmModule is a compiled wasm skill. Each Invoke gets a fresh instance;
// the compiled module and its runtime are shared across invocations and
// released by Close.
type wasmModule struct {
	id       skill.ArtifactID
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	// lines maps guest function names to source lines, from the debug
	// symbols. Empty when symbols were unavailable.
	lines map[string]int
}

func (m *wasmModule) Name() string { return m.id.SkillName }

func (m *wasmModule) Close() error {
	return m.runtime.Close(context.Background())
}

// wasmCall is the JSON payload handed to the guest's run export.
type wasmCall struct {
	Trigger     string            `json:"trigger"`
	SkillName   string            `json:"skillName"`
	UserID      string            `json:"userId,omitempty"`
	ChannelID   string            `json:"channelId,omitempty"`
	ThreadID    string            `json:"threadId,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
	Interaction string            `json:"interaction,omitempty"`
}

// wasmResult is the JSON the guest leaves in memory for the host.
type wasmResult struct {
	Replies []string       `json:"replies"`
	Outputs map[string]any `json:"outputs"`
	Error   *wasmError     `json:"error"`
	HTTP    *wasmHTTP      `json:"http"`
}

type wasmError struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Frames  []wasmFrame `json:"frames"`
}

type wasmFrame struct {
	Function string `json:"function"`
	Line     int    `json:"line"`
}

type wasmHTTP struct {
	Content     string            `json:"content"`
	ContentType string            `json:"contentType"`
	Headers     map[string]string `json:"headers"`
}

func (m *wasmModule) Invoke(ctx context.Context, call *invoke.Context) error {
	payload, err := json.Marshal(callPayload(call))
	if err != nil {
		return fmt.Errorf("modules: marshal call payload: %w", err)
	}

	config := wazero.NewModuleConfig().WithName("")
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, config)
	if err != nil {
		// A guest trap during start is the skill's own failure; anything
		// else (unresolvable imports, bad memory limits) means the
		// artifact cannot run here and a recompile is worth trying.
		if isTrap(err) {
			return m.trapError(err)
		}
		return &LoadError{ID: m.id, Err: err}
	}
	defer func() { _ = mod.Close(ctx) }()

	alloc := mod.ExportedFunction(wasmExportAlloc)
	run := mod.ExportedFunction(wasmExportRun)
	if alloc == nil || run == nil {
		return fmt.Errorf("modules: skill %q does not export %q and %q", m.id.SkillName, wasmExportAlloc, wasmExportRun)
	}

	allocRes, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return m.trapError(err)
	}
	ptr := uint32(allocRes[0])
	if !mod.Memory().Write(ptr, payload) {
		return fmt.Errorf("modules: skill %q: writing call payload to guest memory failed", m.id.SkillName)
	}

	runRes, err := run.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return m.trapError(err)
	}
	packed := runRes[0]
	data, ok := mod.Memory().Read(uint32(packed>>32), uint32(packed))
	if !ok {
		return fmt.Errorf("modules: skill %q: reading result from guest memory failed", m.id.SkillName)
	}

	var result wasmResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("modules: skill %q: decode result: %w", m.id.SkillName, err)
	}
	return m.apply(call, &result)
}

// apply copies the guest's result into the call context, or surfaces the
// guest's reported error.
func (m *wasmModule) apply(call *invoke.Context, result *wasmResult) error {
	if result.Error != nil {
		frames := make([]invoke.Frame, len(result.Error.Frames))
		for i, f := range result.Error.Frames {
			frames[i] = invoke.Frame{Function: f.Function, Line: f.Line}
		}
		return &invoke.ScriptError{
			Kind:    result.Error.Type,
			Message: result.Error.Message,
			Frames:  frames,
		}
	}
	for _, r := range result.Replies {
		call.Reply(r)
	}
	for k, v := range result.Outputs {
		call.SetOutput(k, v)
	}
	if result.HTTP != nil {
		call.SetHTTPContent(result.HTTP.Content, result.HTTP.ContentType)
		for k, v := range result.HTTP.Headers {
			call.SetHTTPHeader(k, v)
		}
	}
	return nil
}

// isTrap reports whether a wazero error originates in guest code.
func isTrap(err error) bool {
	return strings.Contains(err.Error(), "wasm stack trace:")
}

// trapError converts a wazero trap into a script error carrying whatever
// guest stack the trap text exposes. Source lines come from the symbol
// table when one was loaded.
func (m *wasmModule) trapError(err error) error {
	frames := parseWasmStack(err.Error())
	for i := range frames {
		if line, ok := m.lines[frames[i].Function]; ok {
			frames[i].Line = line
		}
	}
	message := err.Error()
	if idx := strings.Index(message, "\n"); idx >= 0 {
		message = message[:idx]
	}
	return &invoke.ScriptError{
		Kind:    "WasmTrap",
		Message: message,
		Frames:  frames,
	}
}

// parseWasmStack extracts function names from wazero's trap text, which
// lists one frame per line after a "wasm stack trace:" header, e.g.
// "\t.run(i32,i32) i64".
func parseWasmStack(text string) []invoke.Frame {
	_, trace, found := strings.Cut(text, "wasm stack trace:")
	if !found {
		return nil
	}
	var frames []invoke.Frame
	for _, line := range strings.Split(trace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fn := line
		if idx := strings.Index(fn, "("); idx >= 0 {
			fn = fn[:idx]
		}
		fn = strings.TrimPrefix(fn, ".")
		if fn == "" {
			continue
		}
		frames = append(frames, invoke.Frame{Function: fn})
	}
	return frames
}

func callPayload(call *invoke.Context) wasmCall {
	p := wasmCall{
		Trigger:   triggerName(call.Trigger),
		SkillName: call.SkillName,
		UserID:    call.UserID,
		ChannelID: call.ChannelID,
		ThreadID:  call.ThreadID,
		Args:      call.Args,
	}
	if call.Interaction != nil {
		p.Interaction = call.Interaction.Value
	}
	return p
}

func triggerName(t invoke.Trigger) string {
	switch t {
	case invoke.TriggerInteraction:
		return "interaction"
	case invoke.TriggerHTTP:
		return "http"
	default:
		return "command"
	}
}
