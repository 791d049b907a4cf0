package main

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/peerdrop/internal/transfer"
)

type lastSeen struct {
	percent int
	status  transfer.TransferStatus
}

// progressThrottle lets a snapshot through when its whole percent or its
// status changed since the last one printed for the same transfer.
type progressThrottle struct {
	seen map[string]lastSeen
}

func newProgressThrottle() *progressThrottle {
	return &progressThrottle{seen: make(map[string]lastSeen)}
}

func (p *progressThrottle) allow(s transfer.Snapshot) bool {
	key := string(s.Direction) + ":" + s.ID
	cur := lastSeen{percent: int(s.ProgressPercent), status: s.Status}
	// terminal snapshots always print
	if s.Status.Terminal() {
		delete(p.seen, key)
		return true
	}
	if prev, ok := p.seen[key]; ok && prev == cur {
		return false
	}
	p.seen[key] = cur
	return true
}

// printProgress logs throttled progress lines until the returned func is called.
func printProgress(bus *transfer.Bus, log *logrus.Logger) func() {
	events, unsubscribe := bus.Subscribe(256)
	throttle := newProgressThrottle()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for s := range events {
			if !throttle.allow(s) {
				continue
			}
			entry := log.WithField("transfer_id", s.ID)
			switch {
			case s.Status == transfer.StatusFailed:
				entry.Error(transfer.FormatSnapshot(s))
			case s.Warning != "":
				entry.Warn(transfer.FormatSnapshot(s))
			default:
				entry.Info(transfer.FormatSnapshot(s))
			}
		}
	}()

	return func() {
		unsubscribe()
		wg.Wait()
	}
}
