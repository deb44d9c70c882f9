// Package store keeps the durable set of transaction records.
//
// The whole collection is encoded as one JSON document under a single
// backend key. Every mutation is one atomic backend Update of that key, so
// writers in other processes sharing the backend cannot lose each other's
// records and readers never observe a half-applied change. Records are kept
// in insertion order; an upsert of an existing identifier keeps its position.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/umit144/purchase-reconciler/internal/kv"
	"github.com/umit144/purchase-reconciler/internal/models"
)

const DefaultNamespace = "purchase.transactions"

var ErrIncompleteRecord = errors.New("store: record is missing transaction identifier or receipt")

type TransactionStore struct {
	mu        sync.RWMutex
	backend   kv.Backend
	namespace string
	logger    *zap.Logger
}

func NewTransactionStore(backend kv.Backend, namespace string, logger *zap.Logger) *TransactionStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionStore{backend: backend, namespace: namespace, logger: logger}
}

func (s *TransactionStore) Contains(ctx context.Context, id string) (bool, error) {
	rec, err := s.Retrieve(ctx, id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Store upserts rec by transaction identifier. Incomplete records are
// rejected with ErrIncompleteRecord and leave the store unchanged. When the
// stored record carries the same receipt, its verification marks survive
// the overwrite.
func (s *TransactionStore) Store(ctx context.Context, rec models.Record) error {
	if !rec.Complete() {
		s.logger.Warn("refusing to store incomplete record",
			zap.String("transaction_id", rec.TransactionIdentifier),
			zap.String("product_id", rec.ProductIdentifier),
			zap.Int("receipt_len", len(rec.TransactionReceipt)),
		)
		return ErrIncompleteRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced bool
	err := s.mutate(ctx, func(records []models.Record) ([]models.Record, error) {
		next := rec
		for i := range records {
			if records[i].TransactionIdentifier != next.TransactionIdentifier {
				continue
			}
			if next.VerifiedAt == nil && bytes.Equal(records[i].TransactionReceipt, next.TransactionReceipt) {
				next.VerifiedAt = records[i].VerifiedAt
				next.VerifiedEnvironment = records[i].VerifiedEnvironment
			}
			records[i] = next
			replaced = true
			return records, nil
		}
		replaced = false
		return append(records, next), nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("record stored",
		zap.String("transaction_id", rec.TransactionIdentifier),
		zap.Stringer("state", rec.State),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// MarkVerified sets the verification marks of the record stored under id.
// It reports false and changes nothing when id is no longer stored.
func (s *TransactionStore) MarkVerified(ctx context.Context, id string, at time.Time, environment string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked bool
	err := s.mutate(ctx, func(records []models.Record) ([]models.Record, error) {
		marked = false
		for i := range records {
			if records[i].TransactionIdentifier == id {
				verifiedAt := at
				records[i].VerifiedAt = &verifiedAt
				records[i].VerifiedEnvironment = environment
				marked = true
				return records, nil
			}
		}
		return nil, kv.ErrNoChange
	})
	return marked, err
}

func (s *TransactionStore) RetrieveAll(ctx context.Context) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.load(ctx)
}

// Retrieve returns nil without error when id is not stored.
func (s *TransactionStore) Retrieve(ctx context.Context, id string) (*models.Record, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].TransactionIdentifier == id {
			rec := records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *TransactionStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(ctx, func(records []models.Record) ([]models.Record, error) {
		kept := records[:0]
		for _, rec := range records {
			if rec.TransactionIdentifier != id {
				kept = append(kept, rec)
			}
		}
		if len(kept) == len(records) {
			return nil, kv.ErrNoChange
		}
		return kept, nil
	})
}

func (s *TransactionStore) RemoveAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, s.namespace); err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}
	return nil
}

// load must be called with s.mu held.
func (s *TransactionStore) load(ctx context.Context) ([]models.Record, error) {
	data, err := s.backend.Get(ctx, s.namespace)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading records: %w", err)
	}
	return s.decode(data)
}

// mutate applies fn to the current collection in one backend Update. fn may
// run more than once; returning kv.ErrNoChange leaves the collection as it
// is. An empty result deletes the namespace key. Must be called with s.mu
// held for writing.
func (s *TransactionStore) mutate(ctx context.Context, fn func([]models.Record) ([]models.Record, error)) error {
	err := s.backend.Update(ctx, s.namespace, func(current []byte, found bool) ([]byte, error) {
		var records []models.Record
		if found {
			decoded, err := s.decode(current)
			if err != nil {
				return nil, err
			}
			records = decoded
		}

		next, err := fn(records)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encoding records: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("writing records: %w", err)
	}
	return nil
}

func (s *TransactionStore) decode(data []byte) ([]models.Record, error) {
	var decoded []models.Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}

	records := make([]models.Record, 0, len(decoded))
	for _, rec := range decoded {
		if !rec.Complete() {
			// Older layouts also persisted cancelled and failed transactions.
			s.logger.Warn("skipping non-persistable record",
				zap.String("transaction_id", rec.TransactionIdentifier),
				zap.String("product_id", rec.ProductIdentifier),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
