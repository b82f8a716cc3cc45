package hummingbird

import (
	"errors"
	"slices"
)

var (
	// ErrMissingFromPlan indicates the database recorded migrations the plan does not declare
	ErrMissingFromPlan = errors.New("already run migrations missing from plan")

	// ErrOutOfOrder indicates the plan's order disagrees with the recorded history
	ErrOutOfOrder = errors.New("plan order conflicts with migration history")

	// ErrDuplicatePlanned indicates the plan lists the same migration more than once
	ErrDuplicatePlanned = errors.New("plan lists a migration more than once")

	// ErrDrift indicates the plan and the migration directory disagree
	ErrDrift = errors.New("plan and migration directory are out of sync")
)

// PlanError is returned when the plan cannot be reconciled with the recorded
// history. It carries the state both sides were in when reconciliation failed
// so callers can render a diagnostic without re-reading anything.
type PlanError struct {
	Message              string
	PlannedFiles         []string
	AlreadyRunMigrations []MigrationRecord
	Err                  error // ErrMissingFromPlan or ErrOutOfOrder
}

func newPlanError(kind error, message string, planned []string, alreadyRun []MigrationRecord) *PlanError {
	return &PlanError{
		Message:              message,
		PlannedFiles:         slices.Clone(planned),
		AlreadyRunMigrations: slices.Clone(alreadyRun),
		Err:                  kind,
	}
}

// Error implements the error interface
func (e *PlanError) Error() string {
	return e.Message
}

// Unwrap returns the kind of inconsistency
func (e *PlanError) Unwrap() error {
	return e.Err
}
