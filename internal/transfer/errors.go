package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMetadata    = errors.New("metadata record is empty")
	ErrMetadataTooLarge = errors.New("metadata record exceeds maximum size")
	ErrInvalidFileName  = errors.New("invalid file name in metadata")
	ErrShortSource      = errors.New("source file ended before its declared size")
)

// ConnectionError reports a bind, listen, accept or dial failure.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or oversized metadata or ack record.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransferFailedError reports a transfer that stopped before its declared size.
type TransferFailedError struct {
	TransferID       string
	BytesTransferred int64
	FileSize         int64
	Err              error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("transfer %s failed after %d of %d bytes: %v",
		e.TransferID, e.BytesTransferred, e.FileSize, e.Err)
}

func (e *TransferFailedError) Unwrap() error { return e.Err }

// IntegrityWarning reports a digest mismatch on a fully received payload.
type IntegrityWarning struct {
	TransferID string
	Expected   string
	Actual     string
}

func (e *IntegrityWarning) Error() string {
	return fmt.Sprintf("checksum mismatch for transfer %s: expected %s, got %s",
		e.TransferID, e.Expected, e.Actual)
}
