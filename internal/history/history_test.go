package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.HistorySize = 3
	cfg.CompressionThreshold = 8
	return cfg
}

func TestInsertThenRecent_NewestFirst(t *testing.T) {
	store, err := Open(testConfig(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: []byte("one"), OriginNode: "a"})
	require.NoError(t, err)
	_, err = store.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: []byte("two"), OriginNode: "a"})
	require.NoError(t, err)

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", string(mustPlaintext(t, entries[0])))
	assert.Equal(t, "one", string(mustPlaintext(t, entries[1])))
}

func TestInsert_DuplicateHeadIsNoOp(t *testing.T) {
	store, err := Open(testConfig(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	e1, err := store.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: []byte("same"), OriginNode: "a"})
	require.NoError(t, err)
	e2, err := store.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: []byte("same"), OriginNode: "a"})
	require.NoError(t, err)

	assert.Equal(t, e1.UUID, e2.UUID)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsert_EvictsBeyondCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistorySize = 2
	store, err := Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		_, err := store.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: []byte(s), OriginNode: "node"})
		require.NoError(t, err)
	}

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "c", string(mustPlaintext(t, entries[0])))
	assert.Equal(t, "b", string(mustPlaintext(t, entries[1])))
}

func TestInsert_CompressesAboveThreshold(t *testing.T) {
	store, err := Open(testConfig(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	big := make([]byte, 1024)
	for i := range big {
		big[i] = byte(i % 7)
	}
	e, err := store.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: big, OriginNode: "a"})
	require.NoError(t, err)
	assert.True(t, e.compressed)

	pt, err := e.Plaintext()
	require.NoError(t, err)
	assert.Equal(t, big, pt)
}

func TestOpen_IsDurableAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	store1, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store1.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: []byte("persisted"), OriginNode: "a"})
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := Open(cfg)
	require.NoError(t, err)
	defer store2.Close()
	entries, err := store2.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "persisted", string(mustPlaintext(t, entries[0])))
}

func TestSearch_MatchesOnlyTextEntries(t *testing.T) {
	store, err := Open(testConfig(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Insert(ctx, Payload{MIMEType: "text/plain", Bytes: []byte("find the needle here"), OriginNode: "a"})
	require.NoError(t, err)
	_, err = store.Insert(ctx, Payload{MIMEType: "image/png", Bytes: []byte("needle"), OriginNode: "a"})
	require.NoError(t, err)

	results, err := store.Search(ctx, "needle")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "text/plain", results[0].MIMEType)
}

func TestHistoryKey_IsPersistedAndReused(t *testing.T) {
	cfg := testConfig(t)
	_, err := Open(cfg)
	require.NoError(t, err)

	key1, err := loadOrGenerateKey(cfg.HistoryKeyPath())
	require.NoError(t, err)
	key2, err := loadOrGenerateKey(filepath.Join(cfg.DataDir, "history.key"))
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func mustPlaintext(t *testing.T, e *Entry) []byte {
	t.Helper()
	pt, err := e.Plaintext()
	require.NoError(t, err)
	return pt
}
