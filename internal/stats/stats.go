// Package stats keeps running totals over finished transfers.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/peerdrop/internal/transfer"
)

// Totals are the aggregate counters across every completed transfer.
type Totals struct {
	FilesSent        int64         `json:"files_sent"`
	FilesReceived    int64         `json:"files_received"`
	BytesTransferred int64         `json:"bytes_transferred"`
	TransferTime     time.Duration `json:"transfer_time"`
	// LastSpeedKBps is the speed of the most recent transfer with a non-zero duration.
	LastSpeedKBps float64   `json:"last_speed_kbps"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TotalFiles is sent plus received.
func (t Totals) TotalFiles() int64 {
	return t.FilesSent + t.FilesReceived
}

// AverageSpeedKBps is bytes over total transfer time, in KiB per second.
func (t Totals) AverageSpeedKBps() float64 {
	if t.TransferTime <= 0 {
		return 0
	}
	return float64(t.BytesTransferred) / t.TransferTime.Seconds() / 1024
}

// Report renders the totals for a terminal.
func (t Totals) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Files sent:          %d\n", t.FilesSent)
	fmt.Fprintf(&b, "Files received:      %d\n", t.FilesReceived)
	fmt.Fprintf(&b, "Total files:         %d\n", t.TotalFiles())
	fmt.Fprintf(&b, "Bytes transferred:   %s (%s bytes)\n",
		humanize.IBytes(uint64(t.BytesTransferred)), humanize.Comma(t.BytesTransferred))
	fmt.Fprintf(&b, "Total transfer time: %.2fs\n", t.TransferTime.Seconds())
	fmt.Fprintf(&b, "Average speed:       %.2f KB/s\n", t.AverageSpeedKBps())
	fmt.Fprintf(&b, "Last speed:          %.2f KB/s\n", t.LastSpeedKBps)
	if !t.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Last updated:        %s (%s)\n",
			t.UpdatedAt.Format(time.DateTime), humanize.Time(t.UpdatedAt))
	}
	return b.String()
}

// Persister stores totals between runs.
type Persister interface {
	SaveTotals(Totals) error
	LoadTotals() (Totals, error)
}

// Accumulator folds terminal snapshots into Totals. It implements
// transfer.Recorder and is safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	totals Totals
	store  Persister
	log    *logrus.Logger
}

// NewAccumulator starts from the persisted totals when store is non-nil.
func NewAccumulator(store Persister, log *logrus.Logger) (*Accumulator, error) {
	a := &Accumulator{store: store, log: log}
	if store != nil {
		totals, err := store.LoadTotals()
		if err != nil {
			return nil, fmt.Errorf("failed to load totals: %w", err)
		}
		a.totals = totals
	}
	return a, nil
}

// Record counts completed transfers only. Failed ones are ignored.
func (a *Accumulator) Record(s transfer.Snapshot) {
	if s.Status != transfer.StatusCompleted {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch s.Direction {
	case transfer.DirectionSend:
		a.totals.FilesSent++
	case transfer.DirectionReceive:
		a.totals.FilesReceived++
	}
	a.totals.BytesTransferred += s.BytesTransferred
	elapsed := s.Elapsed()
	a.totals.TransferTime += elapsed
	if elapsed > 0 {
		a.totals.LastSpeedKBps = float64(s.FileSize) / elapsed.Seconds() / 1024
	}
	a.totals.UpdatedAt = s.CompletedAt

	if a.store != nil {
		if err := a.store.SaveTotals(a.totals); err != nil {
			a.log.WithError(err).WithField("transfer_id", s.ID).Error("Failed to persist statistics")
		}
	}
}

// Totals returns a copy of the current counters.
func (a *Accumulator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}
