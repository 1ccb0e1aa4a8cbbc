// Package language defines the commands used to compile and run the
// submissions of each supported language.
package language

import "errors"

// ErrUnknownLanguage is returned when no entry exists for the language
var ErrUnknownLanguage = errors.New("unknown language")

// Type is the execution type
type Type int

// Execution types
const (
	TypeCompile Type = iota + 1
	TypeRun
)

func (t Type) String() string {
	switch t {
	case TypeCompile:
		return "compile"
	case TypeRun:
		return "run"
	default:
		return "invalid"
	}
}

// Language defines the way to run program
type Language interface {
	// Get execparam for specific language and type (compile / run)
	Get(name string, t Type) (ExecParam, error)
}

// ExecParam defines specs to compile / run program
type ExecParam struct {
	// SourceFileName is the name of the source file inside the box
	SourceFileName string
	// Args is empty for the compile step of interpreted languages
	Args []string
	Env  []string

	// limits
	ProcLimit uint64
}
