package transfer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Metrics are the derived progress figures for one update.
type Metrics struct {
	Percent    float64
	Throughput float64 // bytes per second
	ETASeconds float64
}

// Compute derives all metrics from the counters. Nothing is carried over
// between calls.
func Compute(done, total int64, elapsed time.Duration) Metrics {
	throughput := Throughput(done, elapsed)
	return Metrics{
		Percent:    Percent(done, total),
		Throughput: throughput,
		ETASeconds: ETA(done, total, throughput),
	}
}

// Percent is done/total*100 clamped to [0,100]. An empty file counts as
// complete, and anything short of total stays strictly below 100.
func Percent(done, total int64) float64 {
	if done <= 0 && total > 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	p := float64(done) / float64(total) * 100
	if p >= 100 {
		return math.Nextafter(100, 0)
	}
	return p
}

// Throughput is bytes per second with elapsed floored to one second.
func Throughput(done int64, elapsed time.Duration) float64 {
	if done <= 0 {
		return 0
	}
	secs := elapsed.Seconds()
	if secs < 1 {
		secs = 1
	}
	return float64(done) / secs
}

// ETA is the remaining seconds at the given rate, floored to 1 B/s, and 0
// once done reaches total.
func ETA(done, total int64, throughput float64) float64 {
	if done >= total {
		return 0
	}
	if throughput < 1 {
		throughput = 1
	}
	return float64(total-done) / throughput
}

// FormatSnapshot renders a one-line progress report.
func FormatSnapshot(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %5.1f%% %s/%s",
		s.Direction, s.FileName, s.ProgressPercent,
		humanize.IBytes(uint64(s.BytesTransferred)), humanize.IBytes(uint64(s.FileSize)))

	if s.Throughput > 0 {
		fmt.Fprintf(&b, " %s/s", humanize.IBytes(uint64(s.Throughput)))
	}
	if s.Status == StatusInProgress && s.ETASeconds > 0 {
		fmt.Fprintf(&b, " ETA %s", formatDuration(time.Duration(s.ETASeconds*float64(time.Second))))
	}
	fmt.Fprintf(&b, " [%s]", s.Status)
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
