// Package persist implements the durable storage discipline shared by the
// memory subsystems: atomic writes with SHA-256 sidecars, batched files for
// large collections, timestamped backups, and rolling snapshots.
package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
)

const (
	itemsFileName    = "items.json"
	checksumSuffix   = ".checksum"
	batchesDirName   = "batches"
	batchIndexName   = "index.json"
	snapshotsDirName = "snapshots"
	backupSuffix     = ".bak"

	defaultMaxBatchSize = 500
	defaultSnapshotKeep = 10
)

// Options configures a FileStore.
type Options struct {
	// Dir is the subsystem data directory, e.g. <dataDir>/memory/factual.
	Dir string
	// BackupDir receives timestamped backups, e.g. <dataDir>/memory/_backups/factual.
	BackupDir string
	// MaxBatchSize switches to batched storage when exceeded. Default 500.
	MaxBatchSize int
	// SnapshotKeep bounds retained snapshots. Default 10.
	SnapshotKeep int
	// Retry configures per-filesystem-op retries.
	Retry mardukerr.RetryConfig
	Logger logging.Logger
}

// FileStore persists opaque JSON records for one subsystem. Records are whole
// item documents; this layer never inspects their contents.
type FileStore struct {
	dir          string
	backupDir    string
	maxBatchSize int
	snapshotKeep int
	retry        mardukerr.RetryConfig
	logger       logging.Logger
}

// NewFileStore creates a FileStore rooted at opts.Dir.
func NewFileStore(opts Options) *FileStore {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.SnapshotKeep <= 0 {
		opts.SnapshotKeep = defaultSnapshotKeep
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = mardukerr.RetryConfig{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
	}
	return &FileStore{
		dir:          opts.Dir,
		backupDir:    opts.BackupDir,
		maxBatchSize: opts.MaxBatchSize,
		snapshotKeep: opts.SnapshotKeep,
		retry:        opts.Retry,
		logger:       logging.OrNop(opts.Logger),
	}
}

// Timestamp renders t in the filename-safe snapshot format: ISO-8601 with
// ':' and '.' replaced by '-'.
func Timestamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	s = strings.ReplaceAll(s, ":", "-")
	return strings.ReplaceAll(s, ".", "-")
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteFileAtomic writes data to path via a .tmp sibling plus a SHA-256
// checksum sidecar, renaming both into place once complete. The rename is
// atomic on a single filesystem.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	sumTmp := path + checksumSuffix + ".tmp"
	if err := os.WriteFile(sumTmp, []byte(checksum(data)), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return os.Rename(sumTmp, path+checksumSuffix)
}

// ReadFileVerified reads path and verifies it against its checksum sidecar
// when one exists. A mismatch returns an IntegrityError.
func ReadFileVerified(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sumData, err := os.ReadFile(path + checksumSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return nil, err
	}
	expected := strings.TrimSpace(string(sumData))
	if actual := checksum(data); actual != expected {
		return nil, &mardukerr.IntegrityError{Path: path, Expected: expected, Actual: actual}
	}
	return data, nil
}

// ChecksumSuffix is the sidecar suffix used by WriteFileAtomic.
const ChecksumSuffix = checksumSuffix

func (s *FileStore) writeAtomic(path string, data []byte) error {
	err := mardukerr.Retry(context.Background(), s.retry, s.logger,
		func(context.Context) error { return WriteFileAtomic(path, data) })
	if err != nil {
		return mardukerr.NewPersistenceError("save", path, err)
	}
	return nil
}

func (s *FileStore) readVerified(path string) ([]byte, error) {
	return ReadFileVerified(path)
}

// Save persists records, choosing flat or batched layout by collection size.
func (s *FileStore) Save(records []json.RawMessage) error {
	s.backupCurrent()

	if len(records) > s.maxBatchSize {
		return s.saveBatched(records)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return mardukerr.NewPersistenceError("save", s.itemsPath(), err)
	}
	if err := s.writeAtomic(s.itemsPath(), data); err != nil {
		return err
	}
	// Leaving a stale batch index behind would shadow the flat file on load.
	s.removeBatchDir()
	return nil
}

// Load reads the persisted records. Checksum failures fall back to the newest
// backup; a missing store yields an empty slice.
func (s *FileStore) Load() ([]json.RawMessage, error) {
	if _, err := os.Stat(s.batchIndexPath()); err == nil {
		return s.loadBatched()
	}

	data, err := s.readVerified(s.itemsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if mardukerr.IsIntegrity(err) {
			s.logger.Warn("checksum mismatch for %s, trying backups: %v", s.itemsPath(), err)
			if recovered, rerr := s.loadNewestBackup(); rerr == nil {
				return recovered, nil
			}
		}
		return nil, mardukerr.NewPersistenceError("load", s.itemsPath(), err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, mardukerr.NewPersistenceError("load", s.itemsPath(), err)
	}
	return records, nil
}

func (s *FileStore) itemsPath() string {
	return filepath.Join(s.dir, itemsFileName)
}

func (s *FileStore) batchIndexPath() string {
	return filepath.Join(s.dir, batchesDirName, batchIndexName)
}

// backupCurrent copies the current flat file into the backup directory.
// Backups are best-effort: failures are logged, never surfaced.
func (s *FileStore) backupCurrent() {
	if s.backupDir == "" {
		return
	}
	data, err := os.ReadFile(s.itemsPath())
	if err != nil {
		return
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		s.logger.Warn("backup dir creation failed: %v", err)
		return
	}
	name := fmt.Sprintf("items-%s%s", Timestamp(time.Now()), backupSuffix)
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0o644); err != nil {
		s.logger.Warn("backup write failed: %v", err)
	}
}

func (s *FileStore) loadNewestBackup() ([]json.RawMessage, error) {
	if s.backupDir == "" {
		return nil, fmt.Errorf("no backup directory configured")
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), backupSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no backups available")
	}
	// Timestamped names sort lexically; newest last.
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(s.backupDir, names[len(names)-1]))
	if err != nil {
		return nil, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	s.logger.Info("recovered %d records from backup %s", len(records), names[len(names)-1])
	return records, nil
}
