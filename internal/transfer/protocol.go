package transfer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jaywantadh/peerdrop/internal/integrity"
	"github.com/jaywantadh/peerdrop/internal/storage"
)

// Wire constants
const (
	// MaxMetadataSize bounds the JSON body of the metadata record.
	MaxMetadataSize = 1024
	// AckPrefix starts the receiver's acknowledgment record.
	AckPrefix = "FILE_RECEIVED:"
	// MaxAckSize bounds how much the sender reads while waiting for the ack.
	MaxAckSize = 64

	metadataLengthSize = 4
	pythonISOLayout    = "2006-01-02T15:04:05.999999"
)

// Metadata is the record that precedes the payload on every connection.
type Metadata struct {
	TransferID string `json:"transfer_id,omitempty"`
	FileName   string `json:"filename"`
	FileSize   int64  `json:"filesize"`
	Checksum   string `json:"checksum"`
	Algorithm  string `json:"algorithm,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// NewMetadata builds the record for a file about to be sent.
func NewMetadata(transferID, fileName string, fileSize int64, checksum string, alg integrity.Algorithm, issuedAt time.Time) Metadata {
	return Metadata{
		TransferID: transferID,
		FileName:   fileName,
		FileSize:   fileSize,
		Checksum:   checksum,
		Algorithm:  string(alg),
		Timestamp:  issuedAt.Format(time.RFC3339Nano),
	}
}

// DigestAlgorithm resolves the algorithm named in the record.
func (m Metadata) DigestAlgorithm() (integrity.Algorithm, error) {
	return integrity.ParseAlgorithm(m.Algorithm)
}

// IssuedAt parses the timestamp, accepting RFC 3339 and zone-less ISO-8601.
func (m Metadata) IssuedAt() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		return t, nil
	}
	return time.Parse(pythonISOLayout, m.Timestamp)
}

// Validate checks the record before any payload byte is trusted.
func (m Metadata) Validate() error {
	if err := storage.ValidateName(m.FileName); err != nil {
		return &ProtocolError{Reason: "bad filename", Err: fmt.Errorf("%w: %v", ErrInvalidFileName, err)}
	}
	if m.FileSize < 0 {
		return &ProtocolError{Reason: fmt.Sprintf("negative filesize %d", m.FileSize)}
	}
	alg, err := m.DigestAlgorithm()
	if err != nil {
		return &ProtocolError{Reason: "bad algorithm", Err: err}
	}
	if !integrity.ValidHex(alg, m.Checksum) {
		return &ProtocolError{Reason: fmt.Sprintf("checksum %q is not a %s digest", m.Checksum, alg)}
	}
	if m.Timestamp == "" {
		return &ProtocolError{Reason: "missing timestamp"}
	}
	if _, err := m.IssuedAt(); err != nil {
		return &ProtocolError{Reason: "bad timestamp", Err: err}
	}
	return nil
}

// WriteMetadata sends the length-prefixed record in a single write.
func WriteMetadata(w io.Writer, m Metadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if len(body) > MaxMetadataSize {
		return &ProtocolError{Reason: fmt.Sprintf("%d bytes", len(body)), Err: ErrMetadataTooLarge}
	}

	frame := make([]byte, metadataLengthSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[metadataLengthSize:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads exactly one record and nothing past it.
func ReadMetadata(r io.Reader) (Metadata, error) {
	var prefix [metadataLengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Metadata{}, &ProtocolError{Reason: "connection closed before metadata", Err: ErrEmptyMetadata}
		}
		return Metadata{}, &ProtocolError{Reason: "failed to read metadata length", Err: err}
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return Metadata{}, &ProtocolError{Reason: "zero length", Err: ErrEmptyMetadata}
	}
	if length > MaxMetadataSize {
		return Metadata{}, &ProtocolError{Reason: fmt.Sprintf("%d bytes", length), Err: ErrMetadataTooLarge}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Metadata{}, &ProtocolError{Reason: "truncated metadata", Err: err}
	}

	var m Metadata
	if err := json.Unmarshal(body, &m); err != nil {
		return Metadata{}, &ProtocolError{Reason: "garbled metadata", Err: err}
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// FormatAck renders the acknowledgment for n written bytes.
func FormatAck(n int64) []byte {
	return []byte(AckPrefix + strconv.FormatInt(n, 10))
}

// ParseAck extracts the byte count from an acknowledgment record.
func ParseAck(b []byte) (int64, error) {
	b = bytes.TrimSpace(b)
	if !bytes.HasPrefix(b, []byte(AckPrefix)) {
		return 0, &ProtocolError{Reason: fmt.Sprintf("unexpected acknowledgment %q", b)}
	}
	n, err := strconv.ParseInt(string(b[len(AckPrefix):]), 10, 64)
	if err != nil || n < 0 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("bad acknowledgment count %q", b[len(AckPrefix):]), Err: err}
	}
	return n, nil
}

// readAck reads until the receiver closes, bounded by MaxAckSize.
func readAck(r io.Reader) (int64, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxAckSize))
	if err != nil && len(b) == 0 {
		return 0, err
	}
	return ParseAck(b)
}
