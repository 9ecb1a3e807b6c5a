package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "call:"

// Badger is a Store backed by BadgerDB. Records are JSON values under
// call:<id>.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the database.
type BadgerOptions struct {
	// Dir holds the data files. Empty runs in memory.
	Dir string
	// Logger replaces the default logger, which drops debug and info output.
	Logger badger.Logger
}

// NewBadger opens the database.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.Dir == "" {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(defaultLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open call store: %w", err)
	}
	if opts.Dir == "" {
		log.Printf("[Store] using in-memory call store")
	} else {
		log.Printf("[Store] using call store at %s", opts.Dir)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Save(_ context.Context, rec CallRecord) error {
	if rec.CallID == "" {
		return errors.New("store: call id is required")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.CallID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+rec.CallID), val)
	})
}

func (b *Badger) Load(_ context.Context, callID string) (CallRecord, error) {
	var rec CallRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + callID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return CallRecord{}, ErrNotFound
	}
	return rec, err
}

// List returns every record, oldest call first.
func (b *Badger) List(_ context.Context) ([]CallRecord, error) {
	var out []CallRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec CallRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("store: decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

type defaultLogger struct{}

func (defaultLogger) Errorf(f string, v ...interface{})   { log.Printf("[Store] badger error: "+f, v...) }
func (defaultLogger) Warningf(f string, v ...interface{}) { log.Printf("[Store] badger warning: "+f, v...) }
func (defaultLogger) Infof(string, ...interface{})        {}
func (defaultLogger) Debugf(string, ...interface{})       {}

var _ Store = (*Badger)(nil)
