package story

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
)

// EvalError is an expression failure inside a running story. Line is the
// author's source line when the compiler recorded one.
type EvalError struct {
	Line int
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("story: eval %q: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Interpreter advances one story at a time. It is not safe for concurrent
// use and holds a single loaded program; callers serialize access to the
// shared instance (see the interact engine's global lock).
type Interpreter struct {
	prog    *Program
	passage string
	pos     int
	vars    map[string]any
}

// savedState is the serialized interpreter state persisted between
// physically separate invocations.
type savedState struct {
	Passage string         `json:"passage"`
	Pos     int            `json:"pos"`
	Vars    map[string]any `json:"vars,omitempty"`
}

// NewInterpreter creates an interpreter with no program loaded.
func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

// Load resets the interpreter to the start of prog.
func (it *Interpreter) Load(prog *Program) {
	it.prog = prog
	it.passage = prog.Start
	it.pos = 0
	it.vars = make(map[string]any)
}

// SaveState serializes the interpreter's position and variables.
func (it *Interpreter) SaveState() ([]byte, error) {
	if it.prog == nil {
		return nil, fmt.Errorf("story: no program loaded")
	}
	return json.Marshal(savedState{Passage: it.passage, Pos: it.pos, Vars: it.vars})
}

// RestoreState resumes a previously saved position. The same program must
// already be loaded.
func (it *Interpreter) RestoreState(data []byte) error {
	if it.prog == nil {
		return fmt.Errorf("story: no program loaded")
	}
	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("story: decode saved state: %w", err)
	}
	if it.prog.passage(st.Passage) == nil {
		return fmt.Errorf("story: saved passage %q not in program", st.Passage)
	}
	it.passage = st.Passage
	it.pos = st.Pos
	it.vars = st.Vars
	if it.vars == nil {
		it.vars = make(map[string]any)
	}
	return nil
}

func (it *Interpreter) current() *Passage {
	if it.prog == nil {
		return nil
	}
	return it.prog.passage(it.passage)
}

// CanContinue reports whether another line of output may be produced
// without reader input.
func (it *Interpreter) CanContinue() bool {
	p := it.current()
	if p == nil {
		return false
	}
	if it.pos < len(p.Lines) {
		return true
	}
	return len(p.Choices) == 0 && p.Next != ""
}

// Continue advances by one line and returns its text. Lines whose
// condition is false yield an empty string; a passage fallthrough also
// yields an empty string.
func (it *Interpreter) Continue() (string, error) {
	p := it.current()
	if p == nil {
		return "", fmt.Errorf("story: no program loaded")
	}
	if it.pos >= len(p.Lines) {
		if len(p.Choices) == 0 && p.Next != "" {
			it.passage = p.Next
			it.pos = 0
			return "", nil
		}
		return "", fmt.Errorf("story: cannot continue at passage %q", p.Name)
	}

	line := p.Lines[it.pos]
	it.pos++

	for _, a := range line.Set {
		v, err := it.eval(a.Expr, line.Src)
		if err != nil {
			return "", err
		}
		it.vars[a.Var] = v
	}
	if line.If != "" {
		visible, err := it.evalBool(line.If, line.Src)
		if err != nil {
			return "", err
		}
		if !visible {
			return "", nil
		}
	}
	return line.Text, nil
}

// Choices returns the labels of the currently visible choices. It is empty
// while CanContinue is true and after the story has concluded.
func (it *Interpreter) Choices() ([]string, error) {
	visible, err := it.visibleChoices()
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(visible))
	for i, c := range visible {
		labels[i] = c.Label
	}
	return labels, nil
}

// Choose follows the visible choice at index i.
func (it *Interpreter) Choose(i int) error {
	visible, err := it.visibleChoices()
	if err != nil {
		return err
	}
	if i < 0 || i >= len(visible) {
		return fmt.Errorf("story: choice index %d out of range (%d choices)", i, len(visible))
	}
	it.passage = visible[i].Target
	it.pos = 0
	return nil
}

func (it *Interpreter) visibleChoices() ([]Choice, error) {
	p := it.current()
	if p == nil || it.CanContinue() {
		return nil, nil
	}
	var out []Choice
	for _, c := range p.Choices {
		if c.If != "" {
			visible, err := it.evalBool(c.If, c.Src)
			if err != nil {
				return nil, err
			}
			if !visible {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (it *Interpreter) eval(src string, line int) (any, error) {
	env := make(map[string]any, len(it.vars))
	for k, v := range it.vars {
		env[k] = v
	}
	v, err := expr.Eval(src, env)
	if err != nil {
		return nil, &EvalError{Line: line, Expr: src, Err: err}
	}
	return v, nil
}

func (it *Interpreter) evalBool(src string, line int) (bool, error) {
	v, err := it.eval(src, line)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &EvalError{Line: line, Expr: src, Err: fmt.Errorf("returned %T, expected bool", v)}
	}
	return b, nil
}
