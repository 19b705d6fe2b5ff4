// Package ledger is the persisted table of unit records that the pipeline
// stages use to coordinate. Every stage reads its work from the ledger and
// writes its outcome back through key-scoped operations, which is what makes
// the stages idempotent and resumable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/sqlconv/internal/dialect"
)

var (
	// ErrNotFound is returned when a run or unit key does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict is returned when a guarded update finds the unit in an unexpected status.
	ErrConflict = errors.New("ledger: status conflict")
)

// Status is the lifecycle state of a unit.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusError      Status = "ERROR"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusInProgress, StatusSuccess, StatusFailed, StatusError}

// Unit is the atomic work item: one file or one chunk of a file.
type Unit struct {
	RunID         string
	ID            string
	SourcePath    string // slash-separated path relative to the input directory
	Ordinal       int    // position within the source file, from 0
	Dialect       dialect.Dialect
	RawText       string
	TokenCount    int
	Status        Status
	GeneratedText string // empty until the backend produced output
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UnitID builds the unit key from the source identity and chunk ordinal.
func UnitID(sourcePath string, ordinal int) string {
	return fmt.Sprintf("%s#%04d", sourcePath, ordinal)
}

// Exhausted reports whether the unit is FAILED with its fix budget spent.
func (u *Unit) Exhausted(maxAttempts int) bool {
	return u.Status == StatusFailed && u.AttemptCount >= maxAttempts
}

// Terminal reports whether no stage will touch the unit again.
func (u *Unit) Terminal(maxAttempts int) bool {
	return u.Status == StatusSuccess || u.Exhausted(maxAttempts)
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is one configured migration execution owning a set of units.
type Run struct {
	ID          string
	Name        string
	Dialect     dialect.Dialect
	Fingerprint string // hash of the run-scoped configuration
	Config      string // JSON snapshot of the run-scoped configuration
	Status      RunStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Claim is the status gate a worker passes before calling the backend.
// A successful claim flips the unit to IN_PROGRESS.
type Claim struct {
	from         []Status
	maxAttempts  int
	limited      bool
	countAttempt bool
}

// ClaimPending claims a unit that has never been converted.
func ClaimPending() Claim {
	return Claim{from: []Status{StatusPending}}
}

// ClaimForFix claims a FAILED or ERROR unit whose attempt count is below
// maxAttempts and consumes one attempt in the same write.
func ClaimForFix(maxAttempts int) Claim {
	return Claim{
		from:         []Status{StatusFailed, StatusError},
		maxAttempts:  maxAttempts,
		limited:      true,
		countAttempt: true,
	}
}

// Fields is a partial, key-scoped unit update. Nil fields are left untouched.
type Fields struct {
	Status        *Status
	GeneratedText *string
	LastError     *string
	// From guards the update: it only applies when the current status is listed.
	From []Status
}

// Set starts a Fields update that changes the status.
func Set(s Status) Fields {
	return Fields{Status: &s}
}

// Text sets generated_text.
func (f Fields) Text(s string) Fields {
	f.GeneratedText = &s
	return f
}

// Error sets last_error.
func (f Fields) Error(s string) Fields {
	f.LastError = &s
	return f
}

// When guards the update on the current status.
func (f Fields) When(from ...Status) Fields {
	f.From = from
	return f
}

// Counts holds per-status unit totals.
type Counts map[Status]int

// Total returns the number of units.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Store is the ledger contract the stages depend on.
type Store interface {
	// Run management
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)
	LastIncompleteRun(ctx context.Context) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string) error
	ReopenRun(ctx context.Context, id string) error

	// Unit records
	Insert(ctx context.Context, units ...Unit) error
	Get(ctx context.Context, runID, id string) (*Unit, error)
	Query(ctx context.Context, runID string, statuses ...Status) ([]Unit, error)
	QuerySource(ctx context.Context, runID, sourcePath string) ([]Unit, error)
	Sources(ctx context.Context, runID string) ([]string, error)
	HasSource(ctx context.Context, runID, sourcePath string) (bool, error)
	Counts(ctx context.Context, runID string) (Counts, error)

	// Key-scoped transitions
	Claim(ctx context.Context, runID, id string, c Claim) (bool, error)
	Update(ctx context.Context, runID, id string, f Fields) error
	Supersede(ctx context.Context, runID, sourcePath string) (int, error)
	Recover(ctx context.Context, runID string, staleBefore time.Time) (int, error)

	// Lifecycle
	Close() error
}

// InterruptedError is the last_error recorded on units recovered from IN_PROGRESS.
const InterruptedError = "interrupted before completion"
