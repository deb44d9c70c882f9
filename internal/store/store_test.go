package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umit144/purchase-reconciler/internal/database"
	"github.com/umit144/purchase-reconciler/internal/kv"
	"github.com/umit144/purchase-reconciler/internal/models"
	"github.com/umit144/purchase-reconciler/internal/repositories"
)

func openBackend(t *testing.T, path string) (*repositories.KeyValueRepository, func()) {
	t.Helper()

	db, err := database.NewDatabase(database.DriverSQLite, "file:"+path)
	require.NoError(t, err)

	repo := repositories.NewKeyValueRepository(db, "")
	require.NoError(t, repo.Migrate(context.Background()))

	return repo, func() { db.Close() }
}

func newTestStore(t *testing.T) *TransactionStore {
	t.Helper()

	backend, closeFn := openBackend(t, filepath.Join(t.TempDir(), "store.db"))
	t.Cleanup(closeFn)

	return NewTransactionStore(backend, "", nil)
}

func record(id, receipt string) models.Record {
	return models.Record{
		State:                 models.RecordPurchased,
		ProductIdentifier:     "p1",
		TransactionIdentifier: id,
		TransactionTimestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		TransactionReceipt:    []byte(receipt),
	}
}

func TestTransactionStore_StoreIsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Store(ctx, record("t1", "R1")))
	require.NoError(t, s.Store(ctx, record("t1", "R2")))

	all, err := s.RetrieveAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []byte("R2"), all[0].TransactionReceipt)
}

func TestTransactionStore_RejectsIncompleteRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Store(ctx, record("t1", "R1")))

	err := s.Store(ctx, record("", "R2"))
	assert.ErrorIs(t, err, ErrIncompleteRecord)

	err = s.Store(ctx, record("t2", ""))
	assert.ErrorIs(t, err, ErrIncompleteRecord)

	all, err := s.RetrieveAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t1", all[0].TransactionIdentifier)
}

func TestTransactionStore_KeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"t3", "t1", "t2"} {
		require.NoError(t, s.Store(ctx, record(id, "R-"+id)))
	}
	require.NoError(t, s.Store(ctx, record("t1", "R-t1-updated")))

	all, err := s.RetrieveAll(ctx)
	require.NoError(t, err)

	var ids []string
	for _, rec := range all {
		ids = append(ids, rec.TransactionIdentifier)
	}
	assert.Equal(t, []string{"t3", "t1", "t2"}, ids)
	assert.Equal(t, []byte("R-t1-updated"), all[1].TransactionReceipt)
}

func TestTransactionStore_RetrieveContainsRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	restored := record("t2", "R2")
	restored.State = models.RecordRestored
	restored.OriginalTransactionIdentifier = "t0"
	original := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	restored.OriginalTransactionTimestamp = &original

	require.NoError(t, s.Store(ctx, record("t1", "R1")))
	require.NoError(t, s.Store(ctx, restored))

	ok, err := s.Contains(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Retrieve(ctx, "t2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RecordRestored, got.State)
	assert.Equal(t, "t0", got.OriginalTransactionIdentifier)
	require.NotNil(t, got.OriginalTransactionTimestamp)
	assert.True(t, original.Equal(*got.OriginalTransactionTimestamp))

	missing, err := s.Retrieve(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.Remove(ctx, "t2"))
	require.NoError(t, s.Remove(ctx, "t2"))

	ok, err = s.Contains(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RemoveAll(ctx))
	all, err := s.RetrieveAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTransactionStore_ConcurrentStoresOfSameIdentifier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Store(ctx, record("t1", fmt.Sprintf("R%d", i)))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	all, err := s.RetrieveAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTransactionStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	backend, closeFn := openBackend(t, path)
	require.NoError(t, NewTransactionStore(backend, "", nil).Store(ctx, record("t1", "R1")))
	closeFn()

	backend, closeFn = openBackend(t, path)
	defer closeFn()
	s := NewTransactionStore(backend, "", nil)

	// Redelivery after a restart upserts the same identifier.
	require.NoError(t, s.Store(ctx, record("t1", "R1")))

	all, err := s.RetrieveAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t1", all[0].TransactionIdentifier)
}

func TestTransactionStore_SkipsLegacyStates(t *testing.T) {
	ctx := context.Background()
	backend, closeFn := openBackend(t, filepath.Join(t.TempDir(), "store.db"))
	defer closeFn()

	legacy := `[
		{"state":"cancelled","product_identifier":"p0","transaction_identifier":"t0","transaction_receipt":"UjA="},
		{"state":"purchased","product_identifier":"p1","transaction_identifier":"t1","transaction_receipt":"UjE="}
	]`
	require.NoError(t, backend.Set(ctx, DefaultNamespace, []byte(legacy)))

	all, err := NewTransactionStore(backend, "", nil).RetrieveAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t1", all[0].TransactionIdentifier)
	assert.Equal(t, []byte("R1"), all[0].TransactionReceipt)
}

type failingBackend struct {
	kv.Backend
}

func (failingBackend) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrNotFound }

func (failingBackend) Set(context.Context, string, []byte) error { return errors.New("disk full") }

func (failingBackend) Update(context.Context, string, kv.UpdateFunc) error {
	return errors.New("disk full")
}

func TestTransactionStore_PropagatesBackendFailure(t *testing.T) {
	s := NewTransactionStore(failingBackend{}, "", nil)

	err := s.Store(context.Background(), record("t1", "R1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestTransactionStore_RedeliveryKeepsVerificationOfSameReceipt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	verifiedAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Store(ctx, record("t1", "R1")))
	marked, err := s.MarkVerified(ctx, "t1", verifiedAt, "Production")
	require.NoError(t, err)
	require.True(t, marked)

	require.NoError(t, s.Store(ctx, record("t1", "R1")))
	got, err := s.Retrieve(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.VerifiedAt)
	assert.True(t, verifiedAt.Equal(*got.VerifiedAt))
	assert.Equal(t, "Production", got.VerifiedEnvironment)

	require.NoError(t, s.Store(ctx, record("t1", "R2")))
	got, err = s.Retrieve(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got.VerifiedAt)
	assert.Empty(t, got.VerifiedEnvironment)
}

func TestTransactionStore_MarkVerifiedIgnoresRemovedRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Store(ctx, record("t1", "R1")))
	require.NoError(t, s.Remove(ctx, "t1"))

	marked, err := s.MarkVerified(ctx, "t1", time.Now(), "Production")
	require.NoError(t, err)
	assert.False(t, marked)

	all, err := s.RetrieveAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// versionedBackend commits an update only if nothing was written since it
// read the key, and retries otherwise. beforeCommit runs once, between the
// read and the commit of the next update.
type versionedBackend struct {
	mu           sync.Mutex
	data         map[string][]byte
	version      int
	beforeCommit func()
}

func (b *versionedBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	b.version++
	return nil
}

func (b *versionedBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return v, nil
}

func (b *versionedBackend) Update(_ context.Context, key string, fn kv.UpdateFunc) error {
	for {
		b.mu.Lock()
		current, found := b.data[key]
		seen := b.version
		hook := b.beforeCommit
		b.beforeCommit = nil
		b.mu.Unlock()

		next, err := fn(current, found)
		if errors.Is(err, kv.ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		if hook != nil {
			hook()
		}

		b.mu.Lock()
		if b.version != seen {
			b.mu.Unlock()
			continue
		}
		if next == nil {
			delete(b.data, key)
		} else {
			b.data[key] = next
		}
		b.version++
		b.mu.Unlock()
		return nil
	}
}

func (b *versionedBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	b.version++
	return nil
}

func (b *versionedBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = map[string][]byte{}
	b.version++
	return nil
}

func TestTransactionStore_WritersSharingBackendKeepEachOthersRecords(t *testing.T) {
	ctx := context.Background()
	backend := &versionedBackend{data: map[string][]byte{}}
	host := NewTransactionStore(backend, "", nil)
	worker := NewTransactionStore(backend, "", nil)

	require.NoError(t, host.Store(ctx, record("t1", "R1")))

	// The host persists a new purchase while the worker is mid-update.
	backend.beforeCommit = func() {
		require.NoError(t, host.Store(ctx, record("t2", "R2")))
	}
	marked, err := worker.MarkVerified(ctx, "t1", time.Now(), "Sandbox")
	require.NoError(t, err)
	assert.True(t, marked)

	all, err := host.RetrieveAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t1", all[0].TransactionIdentifier)
	assert.NotNil(t, all[0].VerifiedAt)
	assert.Equal(t, "t2", all[1].TransactionIdentifier)

	// A removal racing the worker is not undone either.
	backend.beforeCommit = func() {
		require.NoError(t, host.Remove(ctx, "t2"))
	}
	marked, err = worker.MarkVerified(ctx, "t2", time.Now(), "Sandbox")
	require.NoError(t, err)
	assert.False(t, marked)

	ok, err := host.Contains(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, ok)
}
