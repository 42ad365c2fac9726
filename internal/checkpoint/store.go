// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package checkpoint persists per-unit download state and run metadata in a
// bbolt file. Every transition is a single bbolt transaction, so concurrent
// download workers can record outcomes independently and a crash leaves
// each unit in its last committed state.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pdiddy/refmirror/pkg/types"
)

var (
	checkpointsBucket = []byte("checkpoints")
	runsBucket        = []byte("runs")
)

// ErrNotFound is returned for a unit the store does not know.
var ErrNotFound = errors.New("checkpoint not found")

// TransitionError rejects a status change the state machine does not allow.
type TransitionError struct {
	Source string
	UnitID string
	From   types.UnitStatus
	To     types.UnitStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s/%s: invalid transition %s -> %s", e.Source, e.UnitID, e.From, e.To)
}

// Backoff computes retry delays: Base doubled per prior attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Options configures a Store.
type Options struct {
	// MaxAttempts is the attempt ceiling; reaching it on a failure marks
	// the unit permanently failed.
	MaxAttempts int
	Backoff     Backoff

	// Now defaults to time.Now. Tests inject a fake clock.
	Now func() time.Time
}

// Store is the bbolt-backed checkpoint store.
type Store struct {
	db   *bolt.DB
	opts Options
}

// Open opens or creates the checkpoint file at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating checkpoint directory %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(checkpointsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoint buckets: %w", err)
	}

	return &Store{db: db, opts: opts}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxAttempts returns the configured attempt ceiling.
func (s *Store) MaxAttempts() int { return s.opts.MaxAttempts }

// Register adds pending checkpoints for unit ids the store does not yet
// know for source and returns how many were added. Known units are left
// untouched.
func (s *Store) Register(source string, unitIDs []string) (int, error) {
	added := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(checkpointsBucket).CreateBucketIfNotExists([]byte(source))
		if err != nil {
			return err
		}
		for _, id := range unitIDs {
			if b.Get([]byte(id)) != nil {
				continue
			}
			cp := types.DownloadCheckpoint{Source: source, UnitID: id, Status: types.StatusPending}
			if err := put(b, cp); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("registering units for %s: %w", source, err)
	}
	return added, nil
}

// List returns every checkpoint of source, ordered by unit id.
func (s *Store) List(source string) ([]types.DownloadCheckpoint, error) {
	var out []types.DownloadCheckpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket).Bucket([]byte(source))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var cp types.DownloadCheckpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			out = append(out, cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", source, err)
	}
	return out, nil
}

// Count returns the number of units registered for source.
func (s *Store) Count(source string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(checkpointsBucket).Bucket([]byte(source)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Sources returns the names of all sources with checkpoints.
func (s *Store) Sources() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

// Get returns the checkpoint of one unit.
func (s *Store) Get(source, unitID string) (types.DownloadCheckpoint, error) {
	var cp types.DownloadCheckpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		cp, err = get(tx, source, unitID)
		return err
	})
	return cp, err
}

// MarkInProgress claims a pending unit and counts the attempt.
func (s *Store) MarkInProgress(source, unitID string) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusInProgress, func(cp *types.DownloadCheckpoint) error {
		if cp.Status != types.StatusPending {
			return &TransitionError{Source: source, UnitID: unitID, From: cp.Status, To: types.StatusInProgress}
		}
		cp.Status = types.StatusInProgress
		cp.AttemptCount++
		cp.LastAttemptAt = s.opts.Now()
		return nil
	})
}

// MarkDownloaded records persisted content for an in-progress unit.
func (s *Store) MarkDownloaded(source, unitID, contentPath, contentHash string) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusDownloaded, func(cp *types.DownloadCheckpoint) error {
		if cp.Status != types.StatusInProgress {
			return &TransitionError{Source: source, UnitID: unitID, From: cp.Status, To: types.StatusDownloaded}
		}
		cp.Status = types.StatusDownloaded
		cp.ContentPath = contentPath
		cp.ContentHash = contentHash
		cp.DownloadedAt = s.opts.Now()
		cp.ProcessedAt = time.Time{}
		cp.LastError = ""
		cp.NextRetryAt = time.Time{}
		return nil
	})
}

// MarkProcessed records that a downloaded unit's records reached the store.
func (s *Store) MarkProcessed(source, unitID string) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusDownloaded, func(cp *types.DownloadCheckpoint) error {
		if cp.Status != types.StatusDownloaded {
			return &TransitionError{Source: source, UnitID: unitID, From: cp.Status, To: types.StatusDownloaded}
		}
		cp.ProcessedAt = s.opts.Now()
		return nil
	})
}

// MarkFailed records a failed attempt. The unit becomes permanently failed
// once its attempt count reaches the ceiling; otherwise it is scheduled for
// retry after the backoff delay. Units being reprocessed from disk may also
// fail from the downloaded state.
func (s *Store) MarkFailed(source, unitID string, cause error) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusFailed, func(cp *types.DownloadCheckpoint) error {
		if cp.Status != types.StatusInProgress && cp.Status != types.StatusDownloaded {
			return &TransitionError{Source: source, UnitID: unitID, From: cp.Status, To: types.StatusFailed}
		}
		s.fail(cp, types.StatusFailed, cause, 0)
		return nil
	})
}

// MarkRateLimited records a rate-limited attempt. The retry delay is the
// larger of the backoff delay and the server's retryAfter.
func (s *Store) MarkRateLimited(source, unitID string, retryAfter time.Duration, cause error) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusRateLimited, func(cp *types.DownloadCheckpoint) error {
		if cp.Status != types.StatusInProgress {
			return &TransitionError{Source: source, UnitID: unitID, From: cp.Status, To: types.StatusRateLimited}
		}
		s.fail(cp, types.StatusRateLimited, cause, retryAfter)
		return nil
	})
}

func (s *Store) fail(cp *types.DownloadCheckpoint, status types.UnitStatus, cause error, retryAfter time.Duration) {
	if cause != nil {
		cp.LastError = cause.Error()
	}
	if cp.AttemptCount >= s.opts.MaxAttempts {
		cp.Status = types.StatusPermanentlyFailed
		cp.NextRetryAt = time.Time{}
		return
	}
	delay := s.opts.Backoff.Delay(cp.AttemptCount)
	if retryAfter > delay {
		delay = retryAfter
	}
	cp.Status = status
	cp.NextRetryAt = s.opts.Now().Add(delay)
}

// MarkPermanent moves a unit straight to the terminal state, for errors
// that retrying cannot fix.
func (s *Store) MarkPermanent(source, unitID string, cause error) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusPermanentlyFailed, func(cp *types.DownloadCheckpoint) error {
		if cp.Status == types.StatusPermanentlyFailed {
			return nil
		}
		cp.Status = types.StatusPermanentlyFailed
		cp.NextRetryAt = time.Time{}
		if cause != nil {
			cp.LastError = cause.Error()
		}
		return nil
	})
}

// Release returns an in-progress unit to pending without counting the
// attempt. It is used when a download is cancelled.
func (s *Store) Release(source, unitID string) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusPending, func(cp *types.DownloadCheckpoint) error {
		if cp.Status != types.StatusInProgress {
			return &TransitionError{Source: source, UnitID: unitID, From: cp.Status, To: types.StatusPending}
		}
		cp.Status = types.StatusPending
		if cp.AttemptCount > 0 {
			cp.AttemptCount--
		}
		return nil
	})
}

// Reset returns any unit to a fresh pending state, including permanently
// failed ones.
func (s *Store) Reset(source, unitID string) (types.DownloadCheckpoint, error) {
	return s.transition(source, unitID, types.StatusPending, func(cp *types.DownloadCheckpoint) error {
		*cp = types.DownloadCheckpoint{Source: source, UnitID: unitID, Status: types.StatusPending}
		return nil
	})
}

// RecoverInProgress resets units left in progress by an interrupted run to
// pending and returns how many were recovered. The interrupted attempt
// still counts.
func (s *Store) RecoverInProgress(source string) (int, error) {
	return s.updateAll(source, func(cp *types.DownloadCheckpoint) bool {
		if cp.Status != types.StatusInProgress {
			return false
		}
		cp.Status = types.StatusPending
		return true
	})
}

// PromoteDue moves failed and rate-limited units whose retry time has
// passed back to pending.
func (s *Store) PromoteDue(source string) (int, error) {
	now := s.opts.Now()
	return s.updateAll(source, func(cp *types.DownloadCheckpoint) bool {
		if cp.Status != types.StatusFailed && cp.Status != types.StatusRateLimited {
			return false
		}
		if !cp.Due(now) {
			return false
		}
		cp.Status = types.StatusPending
		return true
	})
}

func (s *Store) updateAll(source string, fn func(cp *types.DownloadCheckpoint) bool) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket).Bucket([]byte(source))
		if b == nil {
			return nil
		}
		var changed []types.DownloadCheckpoint
		err := b.ForEach(func(_, v []byte) error {
			var cp types.DownloadCheckpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if fn(&cp) {
				changed = append(changed, cp)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, cp := range changed {
			if err := put(b, cp); err != nil {
				return err
			}
		}
		n = len(changed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("updating checkpoints for %s: %w", source, err)
	}
	return n, nil
}

func (s *Store) transition(source, unitID string, to types.UnitStatus, fn func(cp *types.DownloadCheckpoint) error) (types.DownloadCheckpoint, error) {
	var cp types.DownloadCheckpoint
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		cp, err = get(tx, source, unitID)
		if err != nil {
			return err
		}
		if err := fn(&cp); err != nil {
			return err
		}
		return put(tx.Bucket(checkpointsBucket).Bucket([]byte(source)), cp)
	})
	if err != nil {
		return cp, fmt.Errorf("marking %s/%s %s: %w", source, unitID, to, err)
	}
	return cp, nil
}

func get(tx *bolt.Tx, source, unitID string) (types.DownloadCheckpoint, error) {
	var cp types.DownloadCheckpoint
	b := tx.Bucket(checkpointsBucket).Bucket([]byte(source))
	if b == nil {
		return cp, ErrNotFound
	}
	v := b.Get([]byte(unitID))
	if v == nil {
		return cp, ErrNotFound
	}
	if err := json.Unmarshal(v, &cp); err != nil {
		return cp, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return cp, nil
}

func put(b *bolt.Bucket, cp types.DownloadCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return b.Put([]byte(cp.UnitID), data)
}
