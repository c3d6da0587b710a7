package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind distinguishes the two report shapes the compiler emits.
type Kind string

const (
	// KindGeneral is a whole-project error (bad manifest, missing file, ...).
	KindGeneral Kind = "error"
	// KindCompile carries per-module problems with source regions.
	KindCompile Kind = "compile-errors"
)

// Diagnostic is a compiler-reported error. It is never an infrastructure failure.
type Diagnostic struct {
	Kind Kind `json:"type"`

	// General report fields.
	Path    *string `json:"path,omitempty"`
	Title   string  `json:"title,omitempty"`
	Message Message `json:"message,omitempty"`

	// Compile report fields.
	Errors []ModuleError `json:"errors,omitempty"`
}

// ModuleError groups the problems found in one source module.
type ModuleError struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Problems []Problem `json:"problems"`
}

// Problem is one located compiler complaint.
type Problem struct {
	Title   string  `json:"title"`
	Region  Region  `json:"region"`
	Message Message `json:"message"`
}

// Region spans start..end, 1-based.
type Region struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Position is a line/column pair.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Chunk is one piece of a styled message. Plain text chunks only set Text.
type Chunk struct {
	Text      string  `json:"string"`
	Bold      bool    `json:"bold,omitempty"`
	Underline bool    `json:"underline,omitempty"`
	Color     *string `json:"color,omitempty"`
}

func (c Chunk) plain() bool {
	return !c.Bold && !c.Underline && c.Color == nil
}

// MarshalJSON writes plain chunks back as bare strings.
func (c Chunk) MarshalJSON() ([]byte, error) {
	if c.plain() {
		return json.Marshal(c.Text)
	}
	type styled Chunk
	return json.Marshal(styled(c))
}

// UnmarshalJSON accepts either a bare string or a styled object.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*c = Chunk{}
		return json.Unmarshal(data, &c.Text)
	}
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("message chunk must be a string or object, got %s", truncate(string(data), 32))
	}
	type styled Chunk
	var s styled
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Chunk(s)
	return nil
}

// Message is a sequence of chunks.
type Message []Chunk

// Text flattens the message, dropping styling.
func (m Message) Text() string {
	var b strings.Builder
	for _, c := range m {
		b.WriteString(c.Text)
	}
	return b.String()
}

// Location is a flattened pointer at one problem.
type Location struct {
	Path   string `json:"path"`
	Module string `json:"module"`
	Title  string `json:"title"`
	Region Region `json:"region"`
}

// ProblemCount returns the total number of problems in a compile report, or 1
// for a general report.
func (d *Diagnostic) ProblemCount() int {
	if d == nil {
		return 0
	}
	if d.Kind == KindGeneral {
		return 1
	}
	n := 0
	for _, e := range d.Errors {
		n += len(e.Problems)
	}
	return n
}

// Summary is a one-line description for logs and event payloads.
func (d *Diagnostic) Summary() string {
	if d == nil {
		return ""
	}
	switch d.Kind {
	case KindGeneral:
		if d.Path != nil && *d.Path != "" {
			return fmt.Sprintf("%s (%s)", d.Title, *d.Path)
		}
		return d.Title
	default:
		n := d.ProblemCount()
		if n == 0 {
			return "compile errors"
		}
		first := d.Errors[0]
		for _, e := range d.Errors {
			if len(e.Problems) > 0 {
				first = e
				break
			}
		}
		p := first.Problems[0]
		if n == 1 {
			return fmt.Sprintf("%s:%d:%d %s", first.Path, p.Region.Start.Line, p.Region.Start.Column, p.Title)
		}
		return fmt.Sprintf("%s:%d:%d %s (+%d more)", first.Path, p.Region.Start.Line, p.Region.Start.Column, p.Title, n-1)
	}
}

// Locations lists every located problem in report order.
func (d *Diagnostic) Locations() []Location {
	if d == nil || d.Kind != KindCompile {
		return nil
	}
	out := make([]Location, 0, d.ProblemCount())
	for _, e := range d.Errors {
		for _, p := range e.Problems {
			out = append(out, Location{Path: e.Path, Module: e.Name, Title: p.Title, Region: p.Region})
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
