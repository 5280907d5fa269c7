// Package pmemheader implements the header manager (spec §4.5): the
// in-memory superblock plus the logic that durably persists it to
// whichever of the two on-pmem copies was NOT most recently written,
// alternating every update so a crash mid-write always leaves one intact
// copy behind (invariant I1, property P8). Grounded on the teacher
// pack's pkg/slotcache generation/seqlock pattern, which the same way
// tracks "what was last durably committed" so a reader (or, here, a
// restore pass) can tell a stable copy from one that was mid-write.
package pmemheader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/internal/provider"
)

// UpdateInterval is the periodic updater's cadence (spec §4.5).
const UpdateInterval = 30 * time.Second

// ErrFailed is returned by Update once a prior write has failed: the
// header manager enters a terminal failed state (spec §7: ErrorFailAll)
// rather than risk an inconsistent alternation sequence.
var ErrFailed = errors.New("pmemheader: manager has entered the failed state")

// Manager owns the in-memory Header and persists it to alternating
// on-pmem copies.
type Manager struct {
	prov provider.Provider

	mu          sync.Mutex
	current     pmemformat.Header
	lastCopy    int // -1 before the first successful write, else 0 or 1
	initialized bool

	failed atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager constructs a Manager around initial, which must already
// reflect whichever copy Restore selected as authoritative (or a freshly
// formatted header). lastCopy tracks which on-pmem slot initial came
// from, -1 if this is a brand-new cache with neither copy written yet.
func NewManager(prov provider.Provider, initial pmemformat.Header, lastCopy int) *Manager {
	return &Manager{
		prov:     prov,
		current:  initial,
		lastCopy: lastCopy,
		stopCh:   make(chan struct{}),
	}
}

// Current returns a copy of the in-memory header.
func (m *Manager) Current() pmemformat.Header {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Failed reports whether the manager has entered the terminal failed
// state.
func (m *Manager) Failed() bool {
	return m.failed.Load()
}

// Update applies mutate to the in-memory header, bumps xid_current, and
// durably writes the result to whichever copy was not last written
// (property P8). On success the in-memory header and lastCopy are
// updated together; on failure the manager is marked failed and every
// subsequent Update call (and the periodic updater) short-circuits with
// ErrFailed.
func (m *Manager) Update(ctx context.Context, mutate func(*pmemformat.Header)) error {
	if m.failed.Load() {
		return ErrFailed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	if mutate != nil {
		mutate(&next)
	}

	next.XidCurrent++
	if next.XidFirst == 0 {
		next.XidFirst = next.XidCurrent
	}

	targetCopy := 1 - m.lastCopy
	if m.lastCopy < 0 {
		targetCopy = 0
	}

	offset := copyOffset(targetCopy)

	buf, err := next.Encode()
	if err != nil {
		m.failed.Store(true)

		return fmt.Errorf("pmemheader: encode: %w", err)
	}

	if err := m.prov.WriteSync(ctx, offset, buf); err != nil {
		m.failed.Store(true)

		return fmt.Errorf("pmemheader: write copy %d: %w", targetCopy, err)
	}

	m.current = next
	m.lastCopy = targetCopy
	m.initialized = true

	return nil
}

func copyOffset(copyIdx int) int64 {
	if copyIdx == 1 {
		return pmemformat.Header1Offset
	}

	return pmemformat.Header0Offset
}

// StartPeriodicUpdates launches the background goroutine that persists
// the unchanged in-memory header every UpdateInterval, so xid_current
// keeps advancing and a long-idle cache still has a recent durable
// checkpoint. Call StopPeriodicUpdates to stop it.
func (m *Manager) StartPeriodicUpdates(ctx context.Context) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(UpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = m.Update(ctx, nil)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopPeriodicUpdates stops the periodic updater started by
// StartPeriodicUpdates and waits for it to exit. Safe to call more than
// once.
func (m *Manager) StopPeriodicUpdates() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}
