package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/peerdrop/internal/stats"
	"github.com/jaywantadh/peerdrop/internal/transfer"
)

const (
	transferPrefix = "transfer:"
	totalsKey      = "stats:totals"
)

// TransferRecord is the history entry kept for a finished transfer.
type TransferRecord struct {
	ID               string                  `json:"id"`
	FileName         string                  `json:"file_name"`
	FileSize         int64                   `json:"file_size"`
	BytesTransferred int64                   `json:"bytes_transferred"`
	Direction        transfer.Direction      `json:"direction"`
	Status           transfer.TransferStatus `json:"status"`
	Digest           string                  `json:"digest,omitempty"`
	Algorithm        string                  `json:"algorithm,omitempty"`
	Remote           string                  `json:"remote,omitempty"`
	Warning          string                  `json:"warning,omitempty"`
	Error            string                  `json:"error,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	CompletedAt      time.Time               `json:"completed_at"`
}

// RecordFromSnapshot copies the persistent fields of a terminal snapshot.
func RecordFromSnapshot(s transfer.Snapshot) TransferRecord {
	return TransferRecord{
		ID:               s.ID,
		FileName:         s.FileName,
		FileSize:         s.FileSize,
		BytesTransferred: s.BytesTransferred,
		Direction:        s.Direction,
		Status:           s.Status,
		Digest:           s.Digest,
		Algorithm:        s.Algorithm,
		Remote:           s.Remote,
		Warning:          s.Warning,
		Error:            s.Error,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
	}
}

// MetadataStore wraps BadgerDB for transfer history and statistics.
type MetadataStore struct {
	db        *badger.DB
	retention time.Duration
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path. An empty
// path keeps everything in memory. History entries expire after retention;
// zero keeps them forever.
func OpenMetadataStore(dbPath string, retention time.Duration) (*MetadataStore, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db, retention: retention}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutTransferRecord stores a history entry, replacing any entry with the same id.
func (ms *MetadataStore) PutTransferRecord(rec TransferRecord) error {
	if rec.ID == "" {
		return errors.New("transfer record has no id")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	entry := badger.NewEntry([]byte(transferPrefix+rec.ID), val)
	if ms.retention > 0 {
		entry = entry.WithTTL(ms.retention)
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// GetTransferRecord retrieves a history entry by transfer id.
func (ms *MetadataStore) GetTransferRecord(id string) (TransferRecord, error) {
	var rec TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(transferPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// ListTransferRecords returns up to limit entries, most recently finished
// first. A non-positive limit returns all of them.
func (ms *MetadataStore) ListTransferRecords(limit int) ([]TransferRecord, error) {
	var records []TransferRecord
	prefix := []byte(transferPrefix)

	err := ms.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var rec TransferRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("failed to unmarshal transfer record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing transfer history: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CompletedAt.After(records[j].CompletedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// SaveTotals stores the aggregate statistics. They never expire.
func (ms *MetadataStore) SaveTotals(t stats.Totals) error {
	val, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(totalsKey), val)
	})
}

// LoadTotals returns zero totals when none have been saved yet.
func (ms *MetadataStore) LoadTotals() (stats.Totals, error) {
	var t stats.Totals
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(totalsKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	return t, err
}

// Recorder returns a transfer.Recorder that writes every terminal snapshot
// into the history.
func (ms *MetadataStore) Recorder(log *logrus.Logger) transfer.Recorder {
	return &historyRecorder{store: ms, log: log}
}

type historyRecorder struct {
	store *MetadataStore
	log   *logrus.Logger
}

func (h *historyRecorder) Record(s transfer.Snapshot) {
	if s.ID == "" {
		return
	}
	if err := h.store.PutTransferRecord(RecordFromSnapshot(s)); err != nil {
		h.log.WithError(err).WithField("transfer_id", s.ID).Error("Failed to store transfer history")
	}
}
