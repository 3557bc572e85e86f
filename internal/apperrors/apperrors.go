// Package apperrors defines the orchestrator's structured error kinds. Stage
// handlers and plan validation return these instead of raising ad-hoc
// errors, so the pipeline executor and the orchestrator can branch on
// kind without parsing messages.
package apperrors

import (
	"errors"
	"fmt"
)

// ValidationError marks a broken plan or config invariant. Fatal,
// pre-run: the batch never launches.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError { return &ValidationError{Reason: reason} }

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// PreflightError marks a VM-level pre-validation failure (RDM disk,
// unsupported OS, disk too large). Only that VM fails; the batch
// continues.
type PreflightError struct {
	Reason string
}

func NewPreflightError(reason string) *PreflightError { return &PreflightError{Reason: reason} }

func (e *PreflightError) Error() string { return "preflight: " + e.Reason }

// TransientInfraError is a network/API timeout, rate limit, or subprocess
// exit known to be retryable. Retried with exponential backoff.
type TransientInfraError struct {
	Stage string
	Cause error
}

func NewTransientInfraError(stage string, cause error) *TransientInfraError {
	return &TransientInfraError{Stage: stage, Cause: cause}
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient error in stage %s: %v", e.Stage, e.Cause)
}

func (e *TransientInfraError) Unwrap() error { return e.Cause }

// ArtifactError means an expected artifact is missing or corrupt on
// resume; the stage discards it and re-runs from scratch.
type ArtifactError struct {
	ArtifactKey string
	Reason      string
}

func NewArtifactError(key, reason string) *ArtifactError {
	return &ArtifactError{ArtifactKey: key, Reason: reason}
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact %s invalid: %s", e.ArtifactKey, e.Reason)
}

// FatalStageError is unrecoverable (e.g. the guest-OS adaptation tool is
// not installed). The VM fails immediately, no retry.
type FatalStageError struct {
	Stage  string
	Reason string
}

func NewFatalStageError(stage, reason string) *FatalStageError {
	return &FatalStageError{Stage: stage, Reason: reason}
}

func (e *FatalStageError) Error() string {
	return fmt.Sprintf("fatal error in stage %s: %s", e.Stage, e.Reason)
}

// Cancelled is returned when a cooperative cancel signal interrupted a
// stage between suspension points.
type Cancelled struct {
	Stage string
}

func NewCancelled(stage string) *Cancelled { return &Cancelled{Stage: stage} }

func (e *Cancelled) Error() string { return fmt.Sprintf("cancelled during stage %s", e.Stage) }

// Retryable reports whether err should be retried with backoff. Only
// TransientInfraError is retryable; everything
// else is either fatal or already terminal. Wrapping (fmt.Errorf %w,
// backoff's permanent-error marker) is looked through.
func Retryable(err error) bool {
	var tie *TransientInfraError
	return errors.As(err, &tie)
}

// Kind returns a short, stable label for the dashboard and report error
// columns, looking through error wrapping.
func Kind(err error) string {
	var (
		ve *ValidationError
		pe *PreflightError
		te *TransientInfraError
		ae *ArtifactError
		fe *FatalStageError
		ce *Cancelled
	)
	switch {
	case errors.As(err, &ve):
		return "ValidationError"
	case errors.As(err, &pe):
		return "PreflightError"
	case errors.As(err, &te):
		return "TransientInfraError"
	case errors.As(err, &ae):
		return "ArtifactError"
	case errors.As(err, &fe):
		return "FatalStageError"
	case errors.As(err, &ce):
		return "Cancelled"
	default:
		return "UnknownError"
	}
}
