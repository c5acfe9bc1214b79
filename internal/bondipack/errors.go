package bondipack

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure the orchestrator can report.
type Kind int

const (
	KindIO Kind = iota // generic runtime failure, the default for unclassified errors
	KindInvocation
	KindSkipBuild
	KindSpecParse
	KindSpecValidation
	KindUnmetDependency
	KindMissingSource
	KindChecksumMismatch
	KindPatchApply
	KindMissingInstalledFiles
	KindStageCommand
	KindInterrupted
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitInvocation = 1
	ExitRuntime    = 2
	ExitSkipped    = 42
)

// exitCodes is the only place where error kinds are mapped to exit codes.
var exitCodes = map[Kind]int{
	KindIO:                    ExitRuntime,
	KindInvocation:            ExitInvocation,
	KindSkipBuild:             ExitSkipped,
	KindSpecParse:             ExitRuntime,
	KindSpecValidation:        ExitRuntime,
	KindUnmetDependency:       ExitRuntime,
	KindMissingSource:         ExitRuntime,
	KindChecksumMismatch:      ExitRuntime,
	KindPatchApply:            ExitRuntime,
	KindMissingInstalledFiles: ExitRuntime,
	KindStageCommand:          ExitRuntime,
	KindInterrupted:           ExitRuntime,
}

var kindNames = map[Kind]string{
	KindIO:                    "runtime error",
	KindInvocation:            "invocation error",
	KindSkipBuild:             "build skipped",
	KindSpecParse:             "malformed specfile",
	KindSpecValidation:        "invalid specfile",
	KindUnmetDependency:       "unmet build dependencies",
	KindMissingSource:         "missing source",
	KindChecksumMismatch:      "checksum mismatch",
	KindPatchApply:            "patch failed",
	KindMissingInstalledFiles: "missing installed files",
	KindStageCommand:          "stage command failed",
	KindInterrupted:           "interrupted",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvocation            = &Error{Kind: KindInvocation}
	ErrSkipBuild             = &Error{Kind: KindSkipBuild}
	ErrSpecParse             = &Error{Kind: KindSpecParse}
	ErrSpecValidation        = &Error{Kind: KindSpecValidation}
	ErrUnmetDependency       = &Error{Kind: KindUnmetDependency}
	ErrMissingSource         = &Error{Kind: KindMissingSource}
	ErrChecksumMismatch      = &Error{Kind: KindChecksumMismatch}
	ErrPatchApply            = &Error{Kind: KindPatchApply}
	ErrMissingInstalledFiles = &Error{Kind: KindMissingInstalledFiles}
	ErrStageCommand          = &Error{Kind: KindStageCommand}
	ErrInterrupted           = &Error{Kind: KindInterrupted}
)

// Error carries a kind plus the operation and package it occurred in.
type Error struct {
	Kind    Kind
	Op      string // operation or stage that failed
	Package string // package name if applicable
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Package != "" {
		parts = append(parts, e.Package)
	}
	prefix := strings.Join(parts, " ")

	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if prefix == "" {
		return msg
	}
	return prefix + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that sentinels match wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// StageError reports a stage command that exited non-zero.
type StageError struct {
	Stage    Stage
	Index    int // 1-based position of the command in its stage
	Command  []string
	ExitCode int
	Output   string // tail of the combined output
	Err      error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s command #%d (%s) failed", e.Stage, e.Index, strings.Join(e.Command, " "))
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindStageCommand
}

// KindOf classifies err. Unclassified errors are KindIO.
func KindOf(err error) Kind {
	if err == nil {
		return KindIO
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	var se *StageError
	if errors.As(err, &se) {
		return KindStageCommand
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := exitCodes[KindOf(err)]; ok {
		return code
	}
	return ExitRuntime
}
