package syncengine

import (
	"fmt"
	"time"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/remote"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

// ItemError is a failure collected during a sync cycle.
// ActionID is empty for failures not tied to a queue entry (pull, queue read...).
type ItemError struct {
	ActionID  string              `json:"actionId,omitempty" yaml:"actionId,omitempty"`
	SchoolID  string              `json:"schoolId" yaml:"schoolId"`
	Operation syncqueue.Operation `json:"operation,omitempty" yaml:"operation,omitempty"`
	Kind      entity.Kind         `json:"kind,omitempty" yaml:"kind,omitempty"`
	LocalID   string              `json:"localId,omitempty" yaml:"localId,omitempty"`
	Class     string              `json:"class" yaml:"class"`
	Permanent bool                `json:"permanent" yaml:"permanent"` // needs attention
	Message   string              `json:"message" yaml:"message"`
}

func (e ItemError) Error() string {
	if e.ActionID == "" {
		return fmt.Sprintf("%s: %s", e.SchoolID, e.Message)
	}
	return fmt.Sprintf("%s %s/%s (%s): %s", e.Operation, e.Kind, e.LocalID, e.Class, e.Message)
}

func actionError(act syncqueue.Action, class remote.FailureClass, msg string) ItemError {
	return ItemError{
		ActionID:  act.ActionID,
		SchoolID:  act.SchoolID,
		Operation: act.Operation,
		Kind:      act.Kind,
		LocalID:   act.LocalID,
		Class:     class.String(),
		Permanent: class != remote.Transient,
		Message:   msg,
	}
}

func systemError(schoolID string, err error) ItemError {
	return ItemError{SchoolID: schoolID, Class: remote.Transient.String(), Message: err.Error()}
}

// Result summarizes a sync cycle over one or more schools.
type Result struct {
	Success bool `json:"success" yaml:"success"`
	// Skipped is set when the cycle did not run because the device is offline.
	Skipped      bool        `json:"skipped" yaml:"skipped"`
	SyncedCount  int         `json:"syncedCount" yaml:"syncedCount"`
	FailedCount  int         `json:"failedCount" yaml:"failedCount"`
	HeldCount    int         `json:"heldCount" yaml:"heldCount"` // queued behind a failed entry of the same record
	PendingCount int         `json:"pendingCount" yaml:"pendingCount"`
	PulledCount  int         `json:"pulledCount" yaml:"pulledCount"`
	Schools      []string    `json:"schools" yaml:"schools"`
	Errors       []ItemError `json:"errors" yaml:"errors"`
}

func (res *Result) add(other Result) {
	res.SyncedCount += other.SyncedCount
	res.FailedCount += other.FailedCount
	res.HeldCount += other.HeldCount
	res.PendingCount += other.PendingCount
	res.PulledCount += other.PulledCount
	res.Schools = append(res.Schools, other.Schools...)
	res.Errors = append(res.Errors, other.Errors...)
}

// Phase is the state of a school's sync machine.
type Phase string

// Phases: idle → syncing → idle, the outcome of the last cycle being kept in State.
const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
)

type Outcome string

// Outcomes
const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// State is the sync status of one school.
type State struct {
	SchoolID    string    `json:"schoolId" yaml:"schoolId"`
	Phase       Phase     `json:"phase" yaml:"phase"`
	LastOutcome Outcome   `json:"lastOutcome,omitempty" yaml:"lastOutcome,omitempty"`
	LastSyncAt  time.Time `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
	LastResult  *Result   `json:"lastResult,omitempty" yaml:"lastResult,omitempty"`
}
