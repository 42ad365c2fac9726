// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package checkpoint

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/pdiddy/refmirror/pkg/types"
)

// runKey sorts runs of one source by start time.
func runKey(m types.RunMetadata) []byte {
	return []byte(fmt.Sprintf("%020d-%s", m.StartedAt.UnixNano(), m.RunID))
}

// SaveRun stores or replaces the metadata of a run.
func (s *Store) SaveRun(m types.RunMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", m.RunID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte(m.Source))
		if err != nil {
			return err
		}
		return b.Put(runKey(m), data)
	})
}

// Runs returns up to limit runs of source, newest first. A limit of 0
// returns all runs.
func (s *Store) Runs(source string, limit int) ([]types.RunMetadata, error) {
	var out []types.RunMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket).Bucket([]byte(source))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m types.RunMetadata
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decoding run %s: %w", k, err)
			}
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// LastSuccessfulRun returns the newest run of source that finished without
// cancellation or failed units.
func (s *Store) LastSuccessfulRun(source string) (types.RunMetadata, bool, error) {
	runs, err := s.Runs(source, 0)
	if err != nil {
		return types.RunMetadata{}, false, err
	}
	for _, m := range runs {
		if Successful(m) {
			return m, true, nil
		}
	}
	return types.RunMetadata{}, false, nil
}

// Successful reports whether a run finished with every attempted unit
// downloaded and processed.
func Successful(m types.RunMetadata) bool {
	sum := m.Summary
	return !m.FinishedAt.IsZero() &&
		sum.Cancelled == 0 &&
		sum.ProcessFailed == 0 &&
		sum.Succeeded == sum.Attempted()
}
