// Package transfer implements the point-to-point file transfer protocol:
// metadata framing, chunked streaming, integrity checks and progress
// accounting over a single net.Conn per transfer.
package transfer

import (
	"fmt"
	"time"

	"github.com/jaywantadh/peerdrop/internal/integrity"
)

// TransferStatus represents the current status of a transfer
type TransferStatus string

const (
	StatusPending    TransferStatus = "pending"
	StatusInProgress TransferStatus = "in_progress"
	StatusCompleted  TransferStatus = "completed"
	StatusFailed     TransferStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TransferStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Direction tells which side of the connection a transfer was observed on.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

var defaultTimeProvider TimeProvider = systemClock{}

// Transfer is one file movement scoped to a single connection. It is owned
// by the goroutine driving that connection; other goroutines only ever see
// Snapshot values.
type Transfer struct {
	ID               string
	FileName         string
	FileSize         int64
	Digest           string
	Algorithm        integrity.Algorithm
	Direction        Direction
	Remote           string
	Status           TransferStatus
	BytesTransferred int64
	StartedAt        time.Time
	CompletedAt      time.Time
	Warning          string
	Err              error

	clock TimeProvider
}

func newTransfer(id, fileName string, fileSize int64, direction Direction, clock TimeProvider) *Transfer {
	if clock == nil {
		clock = defaultTimeProvider
	}
	return &Transfer{
		ID:        id,
		FileName:  fileName,
		FileSize:  fileSize,
		Direction: direction,
		Status:    StatusPending,
		clock:     clock,
	}
}

var allowedTransitions = map[TransferStatus][]TransferStatus{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

func (t *Transfer) transition(to TransferStatus) error {
	for _, next := range allowedTransitions[t.Status] {
		if next == to {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("transfer %s: cannot move from %s to %s", t.ID, t.Status, to)
}

// start moves the transfer to InProgress and starts the clock.
func (t *Transfer) start() error {
	if err := t.transition(StatusInProgress); err != nil {
		return err
	}
	t.StartedAt = t.clock.Now()
	return nil
}

// advance adds n bytes, never going past FileSize. It returns the bytes accepted.
func (t *Transfer) advance(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if remaining := t.FileSize - t.BytesTransferred; n > remaining {
		n = remaining
	}
	t.BytesTransferred += n
	return n
}

func (t *Transfer) complete() error {
	if t.BytesTransferred != t.FileSize {
		return fmt.Errorf("transfer %s: %d of %d bytes, cannot complete", t.ID, t.BytesTransferred, t.FileSize)
	}
	if err := t.transition(StatusCompleted); err != nil {
		return err
	}
	t.CompletedAt = t.clock.Now()
	return nil
}

func (t *Transfer) fail(cause error) error {
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	t.Err = cause
	t.CompletedAt = t.clock.Now()
	return nil
}

func (t *Transfer) elapsed() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	end := t.CompletedAt
	if end.IsZero() {
		end = t.clock.Now()
	}
	return end.Sub(t.StartedAt)
}

// Snapshot is an immutable copy of a Transfer with its derived metrics.
type Snapshot struct {
	ID               string         `json:"id"`
	FileName         string         `json:"file_name"`
	FileSize         int64          `json:"file_size"`
	Direction        Direction      `json:"direction"`
	Status           TransferStatus `json:"status"`
	ProgressPercent  float64        `json:"progress_percent"`
	BytesTransferred int64          `json:"bytes_transferred"`
	Throughput       float64        `json:"throughput"`
	ETASeconds       float64        `json:"eta_seconds"`
	Digest           string         `json:"digest,omitempty"`
	Algorithm        string         `json:"algorithm,omitempty"`
	Remote           string         `json:"remote,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	Warning          string         `json:"warning,omitempty"`
	Error            string         `json:"error,omitempty"`
	// Cause is the failure as an error value, for errors.As in recorders.
	Cause error `json:"-"`
}

// Snapshot recomputes the derived metrics from the current counters.
func (t *Transfer) Snapshot() Snapshot {
	m := Compute(t.BytesTransferred, t.FileSize, t.elapsed())
	s := Snapshot{
		ID:               t.ID,
		FileName:         t.FileName,
		FileSize:         t.FileSize,
		Direction:        t.Direction,
		Status:           t.Status,
		ProgressPercent:  m.Percent,
		BytesTransferred: t.BytesTransferred,
		Throughput:       m.Throughput,
		ETASeconds:       m.ETASeconds,
		Digest:           t.Digest,
		Algorithm:        string(t.Algorithm),
		Remote:           t.Remote,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		Warning:          t.Warning,
	}
	if t.Err != nil {
		s.Error = t.Err.Error()
		s.Cause = t.Err
	}
	return s
}

// Elapsed is the time between start and completion, or zero if either is unset.
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt.IsZero() || s.CompletedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}
