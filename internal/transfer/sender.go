package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/peerdrop/internal/integrity"
)

// DefaultChunkSize is the payload slice written per I/O call on raw sockets.
const DefaultChunkSize = 4096

// SenderOptions tunes the sending side.
type SenderOptions struct {
	ChunkSize  int
	ChunkDelay time.Duration // pause between chunks, zero on the raw socket path
	AckTimeout time.Duration // zero waits for the receiver to close
	Algorithm  integrity.Algorithm
}

// Sender streams one file per connection.
type Sender struct {
	opts     SenderOptions
	bus      *Bus
	recorder Recorder
	log      *logrus.Logger
	clock    TimeProvider
}

// NewSender creates a sender. bus may be nil.
func NewSender(opts SenderOptions, bus *Bus, log *logrus.Logger) *Sender {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Algorithm == "" {
		opts.Algorithm = integrity.Default
	}
	return &Sender{opts: opts, bus: bus, log: log, clock: defaultTimeProvider}
}

// SetRecorder sets who is told about finished transfers.
func (s *Sender) SetRecorder(r Recorder) { s.recorder = r }

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Sender) SetTimeProvider(tp TimeProvider) { s.clock = tp }

// Send transmits the file at path over conn: metadata, payload, then a
// best-effort wait for the receiver's acknowledgment. Cancelling ctx closes
// conn. The caller still owns conn and closes it afterwards.
func (s *Sender) Send(ctx context.Context, conn net.Conn, path string) (Snapshot, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	file, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Snapshot{}, fmt.Errorf("%s is not a regular file", path)
	}

	digest, err := integrity.Sum(s.opts.Algorithm, file)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Snapshot{}, fmt.Errorf("failed to rewind %s: %w", path, err)
	}

	t := newTransfer(uuid.NewString(), filepath.Base(path), info.Size(), DirectionSend, s.clock)
	t.Digest = digest
	t.Algorithm = s.opts.Algorithm
	t.Remote = remoteAddr(conn)
	s.bus.Publish(t.Snapshot())

	log := s.log.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"file_name":   t.FileName,
		"file_size":   t.FileSize,
		"remote":      t.Remote,
	})

	meta := NewMetadata(t.ID, t.FileName, t.FileSize, digest, s.opts.Algorithm, s.clock.Now())
	if err := WriteMetadata(conn, meta); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return s.finish(t, log, err)
		}
		return s.finish(t, log, s.failure(t, err))
	}
	if err := t.start(); err != nil {
		return s.finish(t, log, err)
	}
	s.bus.Publish(t.Snapshot())
	log.Info("Sending file")

	buf := make([]byte, s.opts.ChunkSize)
	for t.BytesTransferred < t.FileSize {
		want := min(int64(len(buf)), t.FileSize-t.BytesTransferred)
		n, rerr := io.ReadFull(file, buf[:want])
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return s.finish(t, log, s.failure(t, werr))
			}
			t.advance(int64(n))
			s.bus.Publish(t.Snapshot())
			log.WithField("bytes", t.BytesTransferred).Debug("Chunk sent")
		}
		if rerr != nil {
			return s.finish(t, log, s.failure(t, fmt.Errorf("%w: %v", ErrShortSource, rerr)))
		}
		if s.opts.ChunkDelay > 0 && t.BytesTransferred < t.FileSize {
			select {
			case <-ctx.Done():
				return s.finish(t, log, s.failure(t, ctx.Err()))
			case <-time.After(s.opts.ChunkDelay):
			}
		}
	}

	if err := t.complete(); err != nil {
		return s.finish(t, log, err)
	}
	log.WithField("elapsed", t.elapsed()).Info("Data sending completed")
	s.awaitAck(conn, t, log)
	return s.finish(t, log, nil)
}

func (s *Sender) failure(t *Transfer, cause error) error {
	return &TransferFailedError{
		TransferID:       t.ID,
		BytesTransferred: t.BytesTransferred,
		FileSize:         t.FileSize,
		Err:              cause,
	}
}

// awaitAck never changes the outcome; problems are only logged.
func (s *Sender) awaitAck(conn net.Conn, t *Transfer, log *logrus.Entry) {
	if s.opts.AckTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.AckTimeout)); err != nil {
			log.WithError(err).Debug("Could not set acknowledgment deadline")
		}
	}
	n, err := readAck(conn)
	if err != nil {
		log.WithError(err).Warn("No acknowledgment from receiver")
		return
	}
	if n != t.BytesTransferred {
		log.WithFields(logrus.Fields{
			"acknowledged": n,
			"sent":         t.BytesTransferred,
		}).Warn("Receiver acknowledged a different byte count")
		return
	}
	log.WithField("acknowledged", n).Info("Receiver confirmed file receipt")
}

func (s *Sender) finish(t *Transfer, log *logrus.Entry, cause error) (Snapshot, error) {
	if cause != nil && !t.Status.Terminal() {
		if err := t.fail(cause); err != nil {
			log.WithError(err).Error("Invalid status transition")
		}
		log.WithError(cause).Error("Error sending file")
	}
	snap := t.Snapshot()
	s.bus.Publish(snap)
	if s.recorder != nil {
		s.recorder.Record(snap)
	}
	return snap, cause
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
