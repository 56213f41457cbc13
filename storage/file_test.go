package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidential-compute/tee-execution-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecord(match bool) interfaces.ConsistencyRecord {
	return interfaces.ConsistencyRecord{
		RequestID:  interfaces.Hash{0x01, 0x02},
		BackendA:   interfaces.KindRemoteA,
		BackendB:   interfaces.KindRemoteB,
		Match:      match,
		OutputA:    []byte("out-a"),
		OutputB:    []byte("out-b"),
		StateRootA: interfaces.StateRoot{0xaa},
		StateRootB: interfaces.StateRoot{0xbb},
		ComparedAt: time.Now().Unix(),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, store.Available(ctx))
	assert.Equal(t, "file", store.Name())

	record := testRecord(false)
	id, err := store.Append(ctx, record)
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	fetched, err := store.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.RequestID, fetched.RequestID)
	assert.Equal(t, record.Match, fetched.Match)
	assert.Equal(t, record.OutputA, fetched.OutputA)
	assert.Equal(t, record.StateRootB, fetched.StateRootB)
}

func TestFileStoreNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), interfaces.Hash{0xde, 0xad})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFileStoreContentAddressed(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	id1, err := store.Append(ctx, testRecord(true))
	require.NoError(t, err)
	id2, err := store.Append(ctx, testRecord(true))
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "identical records share an id")

	record := testRecord(true)
	record.OutputA = []byte("changed")
	id3, err := store.Append(ctx, record)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.Append(ctx, testRecord(false))
	require.NoError(t, err)

	fetched, err := store.Fetch(ctx, id)
	require.NoError(t, err)
	assert.False(t, fetched.Match)
	assert.Equal(t, 1, store.Len())

	_, err = store.Fetch(ctx, interfaces.Hash{0xff})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMultiStoreAppendsToAllAvailable(t *testing.T) {
	a := NewMemoryStore()
	b := NewMemoryStore()
	multi := NewMultiStore([]interfaces.RecordStore{a, b}, testLogger())
	ctx := context.Background()

	id, err := multi.Append(ctx, testRecord(true))
	require.NoError(t, err)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())

	fetched, err := multi.Fetch(ctx, id)
	require.NoError(t, err)
	assert.True(t, fetched.Match)
}

func TestMultiStoreSurvivesPartialFailure(t *testing.T) {
	// An unavailable member is skipped; the append still succeeds as
	// long as one member stores the record.
	okStore := NewMemoryStore()
	deadDir := t.TempDir()
	dead, err := NewFileStore(deadDir, testLogger())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(deadDir))
	require.False(t, dead.Available(context.Background()))

	multi := NewMultiStore([]interfaces.RecordStore{dead, okStore}, testLogger())
	ctx := context.Background()

	id, err := multi.Append(ctx, testRecord(false))
	require.NoError(t, err)

	_, err = multi.Fetch(ctx, id)
	assert.NoError(t, err)
}
