package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// JSONMode controls whether output is JSON or human-readable
var JSONMode bool

// Stdout and Stderr are swapped out by tests.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// Result represents a generic result for JSON output
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Print outputs data. In JSON mode, marshals to JSON. Otherwise calls the textFn.
func Print(data interface{}, textFn func()) {
	if JSONMode {
		out, err := json.MarshalIndent(Result{Success: true, Data: data}, "", "  ")
		if err != nil {
			PrintError(err)
			return
		}
		fmt.Fprintln(Stdout, string(out))
		return
	}
	textFn()
}

// Coder is implemented by errors that carry an API error code.
type Coder interface {
	ErrorCode() string
}

// PrintError outputs an error. In JSON mode, marshals error to JSON.
func PrintError(err error) {
	if JSONMode {
		res := Result{Success: false, Error: err.Error()}
		if c, ok := err.(Coder); ok {
			res.Code = c.ErrorCode()
		}
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(Stdout, string(out))
		return
	}
	fmt.Fprintf(Stderr, "Error: %v\n", err)
}

// Fatal prints err and exits non-zero.
func Fatal(err error) {
	PrintError(err)
	os.Exit(1)
}
