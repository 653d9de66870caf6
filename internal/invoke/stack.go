package invoke

import (
	"fmt"
	"strings"
)

// previousLocationMarker appears in a frame's function name when a skill
// rethrows an error while preserving its outer context. Everything past the
// marker duplicates frames already shown, so the cleaned trace stops there.
const previousLocationMarker = "previous location"

// internalFramePrefixes name interpreter and compiler machinery that skill
// authors never wrote and should never see.
var internalFramePrefixes = []string{
	"wasi_snapshot_preview1.",
	"wazero.",
	"runtime.",
	"interp.",
	"$",
}

// syntheticEntryFunctions are the conventional entry-point names the
// compiler emits for a module. They are reported under the skill's display
// name instead.
var syntheticEntryFunctions = map[string]bool{
	"run":    true,
	"_start": true,
}

func isInternalFrame(fn string) bool {
	for _, p := range internalFramePrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

func isSyntheticEntry(fn string) bool {
	return syntheticEntryFunctions[fn] || strings.HasPrefix(fn, "skill.")
}

// cleanFrames strips interpreter-internal frames, renames the module's
// synthetic entry frame to the skill's display name, and truncates at the
// previous-location marker.
func cleanFrames(frames []Frame, displayName string) []Frame {
	var out []Frame
	for _, f := range frames {
		if strings.Contains(strings.ToLower(f.Function), previousLocationMarker) {
			break
		}
		if isInternalFrame(f.Function) {
			continue
		}
		if isSyntheticEntry(f.Function) {
			f.Function = displayName
		}
		out = append(out, f)
	}
	return out
}

func formatStack(frames []Frame) string {
	var sb strings.Builder
	for i, f := range frames {
		if i > 0 {
			sb.WriteString("\n")
		}
		if f.Line > 0 {
			fmt.Fprintf(&sb, "  at %s (line %d)", f.Function, f.Line)
		} else {
			fmt.Fprintf(&sb, "  at %s", f.Function)
		}
	}
	return sb.String()
}
