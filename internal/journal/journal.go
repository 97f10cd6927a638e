// Package journal persists telemetry that could not be sent while the hub
// session was down, so it can be drained after reconnecting.
package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Entry is one journaled telemetry payload. Key ordering follows append
// order, so draining in key order preserves send order.
type Entry struct {
	Key     []byte
	Payload []byte
}

// Journal is an embedded append log backed by BadgerDB.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
}

const seqBandwidth = 128

var seqKey = []byte("!journal-seq")

// Open opens (or creates) a journal in dir.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	return open(opts)
}

// OpenInMemory opens a journal with no disk persistence. Used in tests.
func OpenInMemory() (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(opts)
}

func open(opts badger.Options) (*Journal, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence(seqKey, seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal sequence: %w", err)
	}
	return &Journal{db: db, seq: seq}, nil
}

// Append stores one payload at the tail of the journal.
func (j *Journal) Append(payload []byte) error {
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next journal key: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	})
	if err != nil {
		return fmt.Errorf("append to journal: %w", err)
	}
	return nil
}

// Pending returns up to limit entries from the head of the journal.
func (j *Journal) Pending(limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(entries) < limit; it.Next() {
			item := it.Item()
			if bytes.Equal(item.Key(), seqKey) {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{
				Key:     item.KeyCopy(nil),
				Payload: val,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

// Remove deletes a drained entry. Removing an unknown key is not an error.
func (j *Journal) Remove(key []byte) error {
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Backlog returns the number of entries waiting to be drained.
func (j *Journal) Backlog() (int, error) {
	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if bytes.Equal(it.Item().Key(), seqKey) {
				continue
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return count, nil
}

// Close releases the sequence lease and closes the store.
func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		j.db.Close()
		return err
	}
	return j.db.Close()
}
