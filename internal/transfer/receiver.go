package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/peerdrop/internal/integrity"
	"github.com/jaywantadh/peerdrop/internal/storage"
)

// ReceiverOptions tunes the receiving side.
type ReceiverOptions struct {
	ChunkSize int
	// MetadataTimeout bounds the wait for the metadata record. Zero waits forever.
	MetadataTimeout time.Duration
	// IdleTimeout bounds each payload read, so a stalled peer fails the
	// transfer instead of holding its handler. Zero waits forever.
	IdleTimeout time.Duration
	// StrictIntegrity fails a transfer on digest mismatch instead of
	// completing it with a warning.
	StrictIntegrity bool
}

// Receiver accepts one file per connection and persists it to storage.
type Receiver struct {
	opts     ReceiverOptions
	store    storage.Storage
	bus      *Bus
	recorder Recorder
	log      *logrus.Logger
	clock    TimeProvider
}

// NewReceiver creates a receiver writing into store. bus may be nil.
func NewReceiver(opts ReceiverOptions, store storage.Storage, bus *Bus, log *logrus.Logger) *Receiver {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Receiver{opts: opts, store: store, bus: bus, log: log, clock: defaultTimeProvider}
}

// SetRecorder sets who is told about finished transfers.
func (r *Receiver) SetRecorder(rec Recorder) { r.recorder = rec }

// SetTimeProvider sets a custom time provider for deterministic testing.
func (r *Receiver) SetTimeProvider(tp TimeProvider) { r.clock = tp }

// Receive reads the metadata record, then exactly FileSize payload bytes,
// persists them and acknowledges. A connection that ends early leaves a
// partial file behind and fails the transfer. Cancelling ctx closes conn.
func (r *Receiver) Receive(ctx context.Context, conn net.Conn) (Snapshot, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := remoteAddr(conn)
	connLog := r.log.WithField("remote", remote)
	setReadTimeout(conn, r.opts.MetadataTimeout, connLog)
	meta, err := ReadMetadata(conn)
	if err != nil {
		connLog.WithError(err).Error("Rejected metadata")
		return Snapshot{Direction: DirectionReceive, Status: StatusFailed, Remote: remote, Error: err.Error(), Cause: err}, err
	}

	alg, _ := meta.DigestAlgorithm()
	id := meta.TransferID
	if id == "" {
		id = uuid.NewString()
	}

	t := newTransfer(id, meta.FileName, meta.FileSize, DirectionReceive, r.clock)
	t.Digest = meta.Checksum
	t.Algorithm = alg
	t.Remote = remote
	if err := t.start(); err != nil {
		return t.Snapshot(), err
	}

	log := r.log.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"file_name":   t.FileName,
		"file_size":   t.FileSize,
		"remote":      remote,
	})
	if issued, err := meta.IssuedAt(); err == nil {
		log = log.WithField("issued_at", issued)
	}
	log.Info("Starting to receive file")
	r.bus.Publish(t.Snapshot())

	blob, err := r.store.Create(t.FileName)
	if err != nil {
		return r.finish(t, log, fmt.Errorf("failed to open output: %w", err))
	}
	h, err := integrity.New(alg)
	if err != nil {
		blob.Abort()
		return r.finish(t, log, err)
	}
	w := io.MultiWriter(blob, h)

	buf := make([]byte, r.opts.ChunkSize)
	for t.BytesTransferred < t.FileSize {
		want := min(int64(len(buf)), t.FileSize-t.BytesTransferred)
		setReadTimeout(conn, r.opts.IdleTimeout, log)
		n, rerr := conn.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				blob.Abort()
				return r.finish(t, log, fmt.Errorf("failed to write payload: %w", werr))
			}
			t.advance(int64(n))
			r.bus.Publish(t.Snapshot())
			log.WithField("bytes", t.BytesTransferred).Debug("Chunk received")
		}
		if rerr != nil && t.BytesTransferred < t.FileSize {
			if errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			partial, aerr := blob.Abort()
			if aerr != nil {
				log.WithError(aerr).Error("Failed to flush partial file")
			} else {
				log.WithField("partial", partial).Warn("Partial data kept for inspection")
			}
			return r.finish(t, log, &TransferFailedError{
				TransferID:       t.ID,
				BytesTransferred: t.BytesTransferred,
				FileSize:         t.FileSize,
				Err:              rerr,
			})
		}
	}

	path, err := blob.Commit()
	if err != nil {
		return r.finish(t, log, err)
	}
	log = log.WithField("path", path)

	var cause error
	actual := integrity.Encode(h)
	if integrity.Equal(meta.Checksum, actual) {
		log.WithField("checksum", actual).Info("File integrity verified")
	} else {
		warning := &IntegrityWarning{TransferID: t.ID, Expected: meta.Checksum, Actual: actual}
		t.Warning = warning.Error()
		log.Warn("Checksum mismatch")
		if r.opts.StrictIntegrity {
			cause = warning
		}
	}

	if cause == nil {
		if err := t.complete(); err != nil {
			cause = err
		}
	}

	if _, err := conn.Write(FormatAck(blob.Written())); err != nil {
		log.WithError(err).Warn("Failed to send acknowledgment")
	}
	return r.finish(t, log, cause)
}

func (r *Receiver) finish(t *Transfer, log *logrus.Entry, cause error) (Snapshot, error) {
	if cause != nil && !t.Status.Terminal() {
		if err := t.fail(cause); err != nil {
			log.WithError(err).Error("Invalid status transition")
		}
		log.WithError(cause).Error("Error receiving file")
	} else if t.Status == StatusCompleted {
		log.WithField("elapsed", t.elapsed()).Info("Reception completed")
	}
	snap := t.Snapshot()
	r.bus.Publish(snap)
	if r.recorder != nil {
		r.recorder.Record(snap)
	}
	return snap, cause
}

// setReadTimeout arms a read deadline d from now, or clears it when d is zero.
func setReadTimeout(conn net.Conn, d time.Duration, log *logrus.Entry) {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		log.WithError(err).Debug("Could not set read deadline")
	}
}
