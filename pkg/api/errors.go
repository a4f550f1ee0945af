package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrGeometry       = errors.New("geometry error")
	ErrSolve          = errors.New("solve error")
	ErrRasterMismatch = errors.New("raster mismatch")
	ErrIO             = errors.New("io error")
)

// JobError is a failure attributed to a single job. Kind is one of the
// sentinel errors above and is matched with errors.Is.
type JobError struct {
	Kind error
	Err  error
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Err.Error())
}

func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func jobErrorf(kind error, format string, args ...any) error {
	return &JobError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func GeometryErrorf(format string, args ...any) error {
	return jobErrorf(ErrGeometry, format, args...)
}

func SolveErrorf(format string, args ...any) error {
	return jobErrorf(ErrSolve, format, args...)
}

func RasterMismatchf(format string, args ...any) error {
	return jobErrorf(ErrRasterMismatch, format, args...)
}

func IOErrorf(format string, args ...any) error {
	return jobErrorf(ErrIO, format, args...)
}

// IsSystemic reports whether err points at a misconfiguration rather than a
// per-job anomaly. Systemic failures count toward aborting the batch.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrRasterMismatch) || errors.Is(err, ErrIO)
}

// ErrorKind returns a short label for err, suitable for logs and the ledger.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGeometry):
		return "geometry"
	case errors.Is(err, ErrSolve):
		return "solve"
	case errors.Is(err, ErrRasterMismatch):
		return "raster_mismatch"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
