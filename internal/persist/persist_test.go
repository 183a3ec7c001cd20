package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marduk/internal/mardukerr"
)

func record(id int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":"item-%d","type":"fact"}`, id))
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(Options{
		Dir:          filepath.Join(dir, "factual"),
		BackupDir:    filepath.Join(dir, "_backups", "factual"),
		MaxBatchSize: 5,
		SnapshotKeep: 3,
		Retry:        mardukerr.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	records := []json.RawMessage{record(1), record(2), record(3)}
	require.NoError(t, s.Save(records))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.JSONEq(t, string(records[0]), string(loaded[0]))

	// Checksum sidecar exists alongside the flat file.
	_, err = os.Stat(s.itemsPath() + checksumSuffix)
	require.NoError(t, err)
}

func TestLoadMissingStoreIsEmpty(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestChecksumMismatchFallsBackToBackup(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save([]json.RawMessage{record(1)}))
	// A second save creates a backup of the first generation.
	require.NoError(t, s.Save([]json.RawMessage{record(1), record(2)}))

	// Corrupt the live file without updating the sidecar.
	require.NoError(t, os.WriteFile(s.itemsPath(), []byte(`[{"id":"evil"}]`), 0o644))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Contains(t, string(loaded[0]), "item-1")
}

func TestBatchedSaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	var records []json.RawMessage
	for i := 0; i < 12; i++ {
		records = append(records, record(i))
	}
	require.NoError(t, s.Save(records))

	// 12 records with batch size 5 -> 3 batch files plus index.
	idxData, err := os.ReadFile(s.batchIndexPath())
	require.NoError(t, err)
	var idx batchIndex
	require.NoError(t, json.Unmarshal(idxData, &idx))
	assert.Equal(t, 12, idx.Total)
	assert.Len(t, idx.Batches, 3)
	assert.Equal(t, "batch_00000.json", idx.Batches[0])

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 12)
	assert.JSONEq(t, string(records[7]), string(loaded[7]))
}

func TestShrinkBackToFlatLayout(t *testing.T) {
	s := newTestStore(t)

	var records []json.RawMessage
	for i := 0; i < 12; i++ {
		records = append(records, record(i))
	}
	require.NoError(t, s.Save(records))
	require.NoError(t, s.Save(records[:2]))

	_, err := os.Stat(s.batchIndexPath())
	require.True(t, os.IsNotExist(err), "batch index must be removed after flat save")

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestSnapshotRoundTripAndRetention(t *testing.T) {
	s := newTestStore(t)

	var stamps []string
	for i := 0; i < 5; i++ {
		ts, err := s.SaveSnapshot([]json.RawMessage{record(i)})
		require.NoError(t, err)
		stamps = append(stamps, ts)
		time.Sleep(2 * time.Millisecond) // distinct timestamps
	}

	listed, err := s.ListSnapshots()
	require.NoError(t, err)
	// Retention keeps the 3 newest, newest first.
	require.Len(t, listed, 3)
	assert.Equal(t, stamps[4], listed[0])
	assert.Equal(t, stamps[2], listed[2])

	loaded, err := s.LoadSnapshot(listed[0])
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Contains(t, string(loaded[0]), "item-4")

	_, err = s.LoadSnapshot(stamps[0])
	require.Error(t, err, "pruned snapshot must not load")
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2026, 8, 25, 10, 30, 45, 123_000_000, time.UTC))
	assert.Equal(t, "2026-08-25T10-30-45-123Z", ts)
	assert.False(t, strings.ContainsAny(ts, ":."), "filename-safe timestamps only")
}
