// Package story implements the compiled narrative script format and the
// interpreter that advances it. A compiled story is a set of passages; each
// passage carries lines of text (optionally conditional, optionally
// assigning variables) and either choices presented to the reader or a
// fallthrough to the next passage.
package story

import (
	"encoding/json"
	"fmt"
)

// Program is one compiled story artifact.
type Program struct {
	Title    string    `json:"title"`
	Start    string    `json:"start"`
	Passages []Passage `json:"passages"`
}

// Passage is a named section of the story.
type Passage struct {
	Name    string   `json:"name"`
	Lines   []Line   `json:"lines"`
	Choices []Choice `json:"choices,omitempty"`
	// Next names the passage the story falls through to when the lines
	// are exhausted and no choices are offered.
	Next string `json:"next,omitempty"`
}

// Line is one unit of narrative output.
type Line struct {
	Text string `json:"text"`
	// If is an expression; when present and false the line is skipped.
	If string `json:"if,omitempty"`
	// Set assigns variables before the line is emitted.
	Set []Assign `json:"set,omitempty"`
	// Src is the line's position in the author's source script.
	Src int `json:"line,omitempty"`
}

// Assign sets one story variable from an expression.
type Assign struct {
	Var  string `json:"var"`
	Expr string `json:"expr"`
}

// Choice is one interactive option offered at a suspension point.
type Choice struct {
	Label  string `json:"label"`
	Target string `json:"target"`
	If     string `json:"if,omitempty"`
	Src    int    `json:"line,omitempty"`
}

// Parse decodes and validates a compiled story artifact.
func Parse(data []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("story: decode program: %w", err)
	}
	if len(p.Passages) == 0 {
		return nil, fmt.Errorf("story: program has no passages")
	}
	names := make(map[string]bool, len(p.Passages))
	for _, ps := range p.Passages {
		if ps.Name == "" {
			return nil, fmt.Errorf("story: passage without a name")
		}
		if names[ps.Name] {
			return nil, fmt.Errorf("story: duplicate passage %q", ps.Name)
		}
		names[ps.Name] = true
	}
	if p.Start == "" {
		p.Start = p.Passages[0].Name
	}
	if !names[p.Start] {
		return nil, fmt.Errorf("story: start passage %q not defined", p.Start)
	}
	for _, ps := range p.Passages {
		for _, c := range ps.Choices {
			if !names[c.Target] {
				return nil, fmt.Errorf("story: passage %q: choice target %q not defined", ps.Name, c.Target)
			}
		}
		if ps.Next != "" && !names[ps.Next] {
			return nil, fmt.Errorf("story: passage %q: next passage %q not defined", ps.Name, ps.Next)
		}
	}
	return &p, nil
}

func (p *Program) passage(name string) *Passage {
	for i := range p.Passages {
		if p.Passages[i].Name == name {
			return &p.Passages[i]
		}
	}
	return nil
}
