package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"marduk/internal/mardukerr"
)

// batchIndex describes the batched layout: an ordered list of batch files plus
// the total record count.
type batchIndex struct {
	Batches []string `json:"batches"`
	Total   int      `json:"total"`
}

func (s *FileStore) batchDir() string {
	return filepath.Join(s.dir, batchesDirName)
}

// saveBatched splits records into maxBatchSize chunks, each independently
// checksummed, described by index.json.
func (s *FileStore) saveBatched(records []json.RawMessage) error {
	idx := batchIndex{Total: len(records)}

	for i := 0; i*s.maxBatchSize < len(records); i++ {
		start := i * s.maxBatchSize
		end := start + s.maxBatchSize
		if end > len(records) {
			end = len(records)
		}
		name := fmt.Sprintf("batch_%05d.json", i)
		data, err := json.Marshal(records[start:end])
		if err != nil {
			return mardukerr.NewPersistenceError("save", name, err)
		}
		if err := s.writeAtomic(filepath.Join(s.batchDir(), name), data); err != nil {
			return err
		}
		idx.Batches = append(idx.Batches, name)
	}

	idxData, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return mardukerr.NewPersistenceError("save", s.batchIndexPath(), err)
	}
	if err := s.writeAtomic(s.batchIndexPath(), idxData); err != nil {
		return err
	}

	s.pruneStaleBatches(idx)
	// The flat file is superseded by the batch set.
	_ = os.Remove(s.itemsPath())
	_ = os.Remove(s.itemsPath() + checksumSuffix)
	return nil
}

func (s *FileStore) loadBatched() ([]json.RawMessage, error) {
	idxData, err := s.readVerified(s.batchIndexPath())
	if err != nil {
		return nil, mardukerr.NewPersistenceError("load", s.batchIndexPath(), err)
	}
	var idx batchIndex
	if err := json.Unmarshal(idxData, &idx); err != nil {
		return nil, mardukerr.NewPersistenceError("load", s.batchIndexPath(), err)
	}

	records := make([]json.RawMessage, 0, idx.Total)
	for _, name := range idx.Batches {
		path := filepath.Join(s.batchDir(), name)
		data, err := s.readVerified(path)
		if err != nil {
			return nil, mardukerr.NewPersistenceError("load", path, err)
		}
		var chunk []json.RawMessage
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, mardukerr.NewPersistenceError("load", path, err)
		}
		records = append(records, chunk...)
	}
	return records, nil
}

// pruneStaleBatches removes batch files no longer referenced by the index.
func (s *FileStore) pruneStaleBatches(idx batchIndex) {
	entries, err := os.ReadDir(s.batchDir())
	if err != nil {
		return
	}
	keep := make(map[string]bool, len(idx.Batches)*2)
	for _, name := range idx.Batches {
		keep[name] = true
		keep[name+checksumSuffix] = true
	}
	keep[batchIndexName] = true
	keep[batchIndexName+checksumSuffix] = true
	for _, e := range entries {
		if !keep[e.Name()] {
			_ = os.Remove(filepath.Join(s.batchDir(), e.Name()))
		}
	}
}

func (s *FileStore) removeBatchDir() {
	_ = os.RemoveAll(s.batchDir())
}
