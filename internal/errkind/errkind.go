// Package errkind defines the error kinds the auditor produces and the exit
// codes the CLI maps them to. The CLI reports kinds, never stack traces.
package errkind

import (
	"errors"
	"fmt"
)

// Sentinel errors for structural failure classes. Wrap with %w so callers
// can classify with errors.Is.
var (
	ErrConfigInvalid       = errors.New("configuration invalid")
	ErrStoreLocked         = errors.New("store locked")
	ErrStoreCorrupt        = errors.New("store corrupt")
	ErrWorkbookLocked      = errors.New("workbook locked")
	ErrTargetUnreachable   = errors.New("target unreachable")
	ErrClassifierBug       = errors.New("duplicate finding emitted by collector")
	ErrFinalized           = errors.New("run is finalized")
	ErrFinalizeRefused     = errors.New("finalize refused: active issues remain")
	ErrCancelled           = errors.New("cancelled")
	ErrRunInProgress       = errors.New("another run is in progress")
	ErrDuplicateFinding    = ErrClassifierBug // alias: the store surfaces it, the collector caused it
	ErrWorkbookEditedMidRun = errors.New("workbook modified externally during sync")
)

// Exit codes per the CLI contract.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitConfig          = 2
	ExitConnectivity    = 3
	ExitFileLock        = 4
	ExitFinalizeRefused = 5
	ExitCancelled       = 130
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfigInvalid):
		return ExitConfig
	case errors.Is(err, ErrTargetUnreachable):
		return ExitConnectivity
	case errors.Is(err, ErrStoreLocked), errors.Is(err, ErrWorkbookLocked), errors.Is(err, ErrRunInProgress):
		return ExitFileLock
	case errors.Is(err, ErrFinalizeRefused):
		return ExitFinalizeRefused
	case errors.Is(err, ErrCancelled):
		return ExitCancelled
	default:
		return ExitFailure
	}
}

// Config wraps err as a configuration error.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfigInvalid}, args...)...)
}
