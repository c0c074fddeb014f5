// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists the history of module updates in BadgerDB.
//
// Each terminal update outcome becomes one Record, keyed by a persistent
// monotonic sequence so listing newest-first is a reverse prefix scan. The
// most recent successful record is what a restarted service restores.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/telemetry"
)

var (
	recordPrefix = []byte("update/")
	sequenceKey  = []byte("meta/update_seq")
)

// ErrClosed is returned by operations on a closed Journal.
var ErrClosed = errors.New("journal closed")

// Record is one persisted update outcome.
type Record struct {
	Seq        uint64    `json:"seq"`
	ID         string    `json:"id"`
	Locator    string    `json:"locator"`
	State      string    `json:"state"`
	Operator   string    `json:"operator,omitempty"`
	Previous   string    `json:"previous,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
}

// Succeeded reports whether the update took effect.
func (r Record) Succeeded() bool {
	return r.State == coordinator.StateDone.String()
}

// Journal is the update history store.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
	gc  *gcRunner
}

// Open opens (or creates) a journal.
//
// Inputs:
//
//	cfg - Storage configuration. Use InMemoryConfig() for tests.
//
// Outputs:
//
//	*Journal - The journal. Call Close when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Journal, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence(sequenceKey, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("lease update sequence: %w", err)
	}

	j := &Journal{db: db, seq: seq}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		j.gc, err = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = seq.Release()
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
	}
	return j, nil
}

// Append stores rec under the next sequence number and returns it with
// Seq filled in.
func (j *Journal) Append(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if j.db.IsClosed() {
		return Record{}, ErrClosed
	}
	n, err := j.seq.Next()
	if err != nil {
		return Record{}, fmt.Errorf("next sequence: %w", err)
	}
	// Sequences start at 0; keep 0 free so Seq is always positive.
	rec.Seq = n + 1

	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Seq), val)
	})
	if err != nil {
		return Record{}, fmt.Errorf("store record %s: %w", rec.ID, err)
	}
	return rec, nil
}

// RecordOutcome appends a coordinator outcome. It lets a Journal serve as
// the coordinator's Recorder.
func (j *Journal) RecordOutcome(ctx context.Context, o coordinator.Outcome) error {
	_, err := j.Append(ctx, FromOutcome(o))
	return err
}

// FromOutcome converts a coordinator outcome into a Record.
func FromOutcome(o coordinator.Outcome) Record {
	rec := Record{
		ID:         o.ID,
		Locator:    o.Locator,
		State:      o.State.String(),
		Operator:   o.Operator,
		Previous:   o.Previous,
		Generation: o.Generation,
		ErrorKind:  o.ErrorKind,
		Error:      o.ErrorMessage(),
		Started:    o.Started,
		Finished:   o.Finished,
	}
	if len(o.TraceContext) > 0 {
		ctx := telemetry.ExtractFromMap(context.Background(), o.TraceContext)
		rec.TraceID = telemetry.TraceID(ctx)
		rec.SpanID = telemetry.SpanID(ctx)
	}
	return rec
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (j *Journal) List(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := j.scan(ctx, func(rec Record) bool {
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// LastSucceeded returns the newest record whose update took effect.
func (j *Journal) LastSucceeded(ctx context.Context) (Record, bool, error) {
	var found Record
	var ok bool
	err := j.scan(ctx, func(rec Record) bool {
		if rec.Succeeded() {
			found, ok = rec, true
			return false
		}
		return true
	})
	return found, ok, err
}

// scan visits records newest first until fn returns false.
func (j *Journal) scan(ctx context.Context, fn func(Record) bool) error {
	if j.db.IsClosed() {
		return ErrClosed
	}
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordKey(^uint64(0))); it.ValidForPrefix(recordPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode record %q: %w", it.Item().Key(), err)
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// Close releases the sequence lease, stops GC and closes the database.
func (j *Journal) Close() error {
	if j.gc != nil {
		j.gc.stop()
	}
	return errors.Join(j.seq.Release(), j.db.Close())
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}
