// internal/oracle/feed.go
package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Recorder persists versions accepted by a Feed.
type Recorder interface {
	RecordOracleVersion(ctx context.Context, market string, v Version) error
}

// Feed is an in-memory Provider fed by pushes (NATS ingestion, tests).
// Versions must be consecutive and strictly increasing in timestamp.
type Feed struct {
	mu       sync.RWMutex
	market   string
	versions []Version // versions[i].Version == first + i
	recorder Recorder
}

func NewFeed(market string) *Feed {
	return &Feed{market: market}
}

// WithRecorder sets a hook that persists every newly accepted version.
func (f *Feed) WithRecorder(r Recorder) *Feed {
	f.recorder = r
	return f
}

func (f *Feed) Market() string { return f.market }

// Push appends v. An exact duplicate of a known version is ignored and
// reported with accepted=false.
func (f *Feed) Push(ctx context.Context, v Version) (accepted bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dup, err := f.check(v)
	if err != nil || dup {
		return false, err
	}

	if f.recorder != nil {
		if err := f.recorder.RecordOracleVersion(ctx, f.market, v); err != nil {
			return false, fmt.Errorf("record oracle version %d: %w", v.Version, err)
		}
	}
	f.versions = append(f.versions, v)
	return true, nil
}

// Restore loads previously recorded versions without re-recording them.
func (f *Feed) Restore(versions []Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range versions {
		dup, err := f.check(v)
		if err != nil {
			return err
		}
		if !dup {
			f.versions = append(f.versions, v)
		}
	}
	return nil
}

// check validates ordering against the latest version. Caller holds mu.
func (f *Feed) check(v Version) (duplicate bool, err error) {
	if v.Version == 0 {
		return false, fmt.Errorf("%s: version 0 is reserved: %w", f.market, ErrNonMonotonic)
	}
	if len(f.versions) == 0 {
		return false, nil
	}

	latest := f.versions[len(f.versions)-1]
	if v.Version <= latest.Version {
		known, ok := f.lookup(v.Version)
		if ok && known.Timestamp == v.Timestamp && known.Price.Equal(v.Price) {
			return true, nil
		}
		return false, fmt.Errorf("%s: got version %d after %d: %w",
			f.market, v.Version, latest.Version, ErrNonMonotonic)
	}
	if v.Version != latest.Version+1 {
		return false, fmt.Errorf("%s: expected version %d, got %d: %w",
			f.market, latest.Version+1, v.Version, ErrVersionGap)
	}
	if v.Timestamp <= latest.Timestamp {
		return false, fmt.Errorf("%s: timestamp %d not after %d: %w",
			f.market, v.Timestamp, latest.Timestamp, ErrNonMonotonic)
	}
	return false, nil
}

func (f *Feed) lookup(version uint64) (Version, bool) {
	if len(f.versions) == 0 {
		return Version{}, false
	}
	first := f.versions[0].Version
	if version < first || version > f.versions[len(f.versions)-1].Version {
		return Version{}, false
	}
	return f.versions[version-first], true
}

func (f *Feed) Sync(ctx context.Context) (Version, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.versions) == 0 {
		return Version{}, ErrNoVersion
	}
	return f.versions[len(f.versions)-1], nil
}

func (f *Feed) AtVersion(ctx context.Context, version uint64) (Version, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.lookup(version)
	if !ok {
		return Version{}, fmt.Errorf("%s version %d: %w", f.market, version, ErrVersionNotFound)
	}
	return v, nil
}

// Latest returns the newest version, if any.
func (f *Feed) Latest() (Version, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.versions) == 0 {
		return Version{}, false
	}
	return f.versions[len(f.versions)-1], true
}
