package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"marduk/internal/mardukerr"
)

const snapshotPrefix = "snapshot-"

func (s *FileStore) snapshotsDir() string {
	return filepath.Join(s.dir, snapshotsDirName)
}

func (s *FileStore) snapshotPath(ts string) string {
	return filepath.Join(s.snapshotsDir(), snapshotPrefix+ts+".json")
}

// SaveSnapshot writes an immutable timestamped copy of records and prunes
// snapshots beyond the retention bound. It returns the snapshot timestamp.
func (s *FileStore) SaveSnapshot(records []json.RawMessage) (string, error) {
	ts := Timestamp(time.Now())
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", mardukerr.NewPersistenceError("snapshot", s.snapshotPath(ts), err)
	}
	if err := s.writeAtomic(s.snapshotPath(ts), data); err != nil {
		return "", err
	}
	s.pruneSnapshots()
	return ts, nil
}

// ListSnapshots returns snapshot timestamps, newest first.
func (s *FileStore) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(s.snapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mardukerr.NewPersistenceError("list snapshots", s.snapshotsDir(), err)
	}
	var stamps []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		stamps = append(stamps, strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stamps)))
	return stamps, nil
}

// LoadSnapshot reads and checksum-verifies the snapshot taken at ts.
func (s *FileStore) LoadSnapshot(ts string) ([]json.RawMessage, error) {
	path := s.snapshotPath(ts)
	data, err := s.readVerified(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mardukerr.NewPersistenceError("restore", path, fmt.Errorf("snapshot %s not found", ts))
		}
		return nil, mardukerr.NewPersistenceError("restore", path, err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, mardukerr.NewPersistenceError("restore", path, err)
	}
	return records, nil
}

// pruneSnapshots keeps only the newest snapshotKeep snapshots. Best-effort.
func (s *FileStore) pruneSnapshots() {
	stamps, err := s.ListSnapshots()
	if err != nil || len(stamps) <= s.snapshotKeep {
		return
	}
	for _, ts := range stamps[s.snapshotKeep:] {
		_ = os.Remove(s.snapshotPath(ts))
		_ = os.Remove(s.snapshotPath(ts) + checksumSuffix)
	}
}
