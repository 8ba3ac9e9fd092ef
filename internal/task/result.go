package task

import (
	"slices"
	"strings"
)

// Result is the outcome of executing a task. A composite result's own Success
// is independent of its nested results unless the producer aggregates them.
// Details carries diagnostics such as the stack of a failed run; String does
// not render it.
type Result struct {
	Success bool     `json:"success" yaml:"success"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
	Details string   `json:"details,omitempty" yaml:"details,omitempty"`
	Results []Result `json:"results,omitempty" yaml:"results,omitempty"`
}

func Success(message string, results ...Result) Result {
	return Result{Success: true, Message: message, Results: slices.Clone(results)}
}

func Failure(message string, results ...Result) Result {
	return Result{Success: false, Message: message, Results: slices.Clone(results)}
}

// WithResults returns a copy of r with nested appended after r's own results.
func (r Result) WithResults(nested ...Result) Result {
	out := Result{Success: r.Success, Message: r.Message, Details: r.Details}
	out.Results = make([]Result, 0, len(r.Results)+len(nested))
	out.Results = append(out.Results, r.Results...)
	out.Results = append(out.Results, nested...)
	return out
}

// AllSucceeded reports whether r and every nested result succeeded.
func (r Result) AllSucceeded() bool {
	if !r.Success {
		return false
	}
	for _, nested := range r.Results {
		if !nested.AllSucceeded() {
			return false
		}
	}
	return true
}

// String renders the result tree, one result per line, indented by depth.
func (r Result) String() string {
	var b strings.Builder
	r.write(&b, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (r Result) write(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	if r.Success {
		b.WriteString("[ok] ")
	} else {
		b.WriteString("[failed] ")
	}
	b.WriteString(r.Message)
	b.WriteByte('\n')
	for _, nested := range r.Results {
		nested.write(b, depth+1)
	}
}
