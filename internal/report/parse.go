// Package report turns the compiler's JSON error report into a Diagnostic.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedReport is returned for error-stream content that is not a
// recognizable report. Callers treat it as an infrastructure failure.
var ErrMalformedReport = errors.New("malformed compiler report")

// Parse decodes the compiler's error stream. Empty input means a clean
// compile and yields (nil, nil).
func Parse(stderr []byte) (*Diagnostic, error) {
	data := bytes.TrimSpace(stderr)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object: %q", ErrMalformedReport, truncate(string(data), 80))
	}

	var d Diagnostic
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}

	switch d.Kind {
	case KindGeneral:
		if d.Title == "" {
			return nil, fmt.Errorf("%w: error report missing title", ErrMalformedReport)
		}
		d.Errors = nil
	case KindCompile:
		if len(d.Errors) == 0 {
			return nil, fmt.Errorf("%w: compile-errors report has no errors", ErrMalformedReport)
		}
		for i, e := range d.Errors {
			if e.Path == "" {
				return nil, fmt.Errorf("%w: errors[%d] missing path", ErrMalformedReport, i)
			}
			if len(e.Problems) == 0 {
				return nil, fmt.Errorf("%w: errors[%d] has no problems", ErrMalformedReport, i)
			}
		}
		d.Path = nil
		d.Title = ""
		d.Message = nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedReport)
	default:
		return nil, fmt.Errorf("%w: unknown report type %q", ErrMalformedReport, d.Kind)
	}

	return &d, nil
}
