// internal/core/fleet.go
package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"example.com/backstage/services/headset/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SnapshotCache stores the latest headset snapshots for other readers.
type SnapshotCache interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Fleet keeps one Headset per connected serial and converges that set with
// the bridge's device list on every refresh.
type Fleet struct {
	deps        HeadsetDeps
	cache       SnapshotCache
	logger      *logrus.Logger
	concurrency int
	snapshotTTL time.Duration

	refreshMu sync.Mutex
	mu        sync.RWMutex
	headsets  map[string]*Headset
}

// NewFleet creates an empty fleet. cache may be nil.
func NewFleet(deps HeadsetDeps, cache SnapshotCache, poll config.PollConfig) *Fleet {
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	concurrency := poll.RefreshConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fleet{
		deps:        deps,
		cache:       cache,
		logger:      deps.Logger,
		concurrency: concurrency,
		snapshotTTL: poll.SnapshotTTL,
		headsets:    make(map[string]*Headset),
	}
}

// Refresh polls the bridge for connected devices, reconciles the registry and
// refreshes every headset. A failing device list leaves the registry as is.
func (f *Fleet) Refresh(ctx context.Context) error {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()

	serials, err := f.deps.Ops.Bridge().Devices(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Failed to list devices, keeping current fleet")
		return err
	}

	f.Reconcile(ctx, serials)

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, h := range f.Headsets() {
		h := h
		g.Go(func() error {
			if err := h.Refresh(ctx); err != nil {
				if errors.Is(err, ErrHeadsetBusy) {
					h.log().Debug("Headset busy, skipping refresh")
					return nil
				}
				h.log().WithError(err).Warn("Headset refresh failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	f.persist(ctx)
	return nil
}

// Reconcile converges the registry with serials: existing headsets are kept
// untouched, new serials get a fresh Headset and missing ones are dropped.
func (f *Fleet) Reconcile(ctx context.Context, serials []string) (added, removed []string) {
	seen := make(map[string]struct{}, len(serials))
	var dropped []*Headset

	f.mu.Lock()
	for _, serial := range serials {
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		if _, ok := f.headsets[serial]; ok {
			continue
		}
		f.headsets[serial] = NewHeadset(serial, f.deps)
		added = append(added, serial)
	}
	for serial, h := range f.headsets {
		if _, ok := seen[serial]; ok {
			continue
		}
		delete(f.headsets, serial)
		dropped = append(dropped, h)
		removed = append(removed, serial)
	}
	f.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)

	now := time.Now()
	for _, serial := range added {
		f.logger.WithField("serial", serial).Info("Headset connected")
		if f.deps.Repo != nil {
			if err := f.deps.Repo.MarkConnected(ctx, serial, now); err != nil {
				f.logger.WithError(err).WithField("serial", serial).Warn("Failed to record connection")
			}
		}
		f.publish(ctx, NewEvent(EventHeadsetConnected, serial))
	}

	for _, h := range dropped {
		serial := h.Serial()
		h.log().Info("Headset disconnected")
		// A running task is cancelled; do not hold the poll loop waiting for it.
		go h.Close()

		if f.deps.Repo != nil {
			if err := f.deps.Repo.MarkDisconnected(ctx, serial, now); err != nil {
				f.logger.WithError(err).WithField("serial", serial).Warn("Failed to record disconnection")
			}
		}
		if f.cache != nil {
			if err := f.cache.Delete(ctx, serial); err != nil {
				f.logger.WithError(err).WithField("serial", serial).Debug("Failed to evict snapshot")
			}
		}
		f.publish(ctx, NewEvent(EventHeadsetDisconnected, serial))
	}

	return added, removed
}

func (f *Fleet) persist(ctx context.Context) {
	if f.cache == nil && f.deps.Repo == nil {
		return
	}
	now := time.Now()
	for _, snap := range f.Snapshots() {
		if f.cache != nil {
			if err := f.cache.SetJSON(ctx, snap.Serial, snap, f.snapshotTTL); err != nil {
				f.logger.WithError(err).WithField("serial", snap.Serial).Debug("Failed to cache snapshot")
			}
		}
		if f.deps.Repo != nil {
			if err := f.deps.Repo.UpsertHeadset(ctx, snap, now); err != nil {
				f.logger.WithError(err).WithField("serial", snap.Serial).Warn("Failed to record headset")
			}
		}
	}
}

func (f *Fleet) publish(ctx context.Context, ev Event) {
	if err := f.deps.Publisher.Publish(ctx, ev); err != nil {
		f.logger.WithError(err).WithField("event", ev.Type).Warn("Failed to publish event")
	}
}

// Get returns the headset for serial.
func (f *Fleet) Get(serial string) (*Headset, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.headsets[serial]
	if !ok {
		return nil, ErrHeadsetNotFound
	}
	return h, nil
}

// Headsets returns the connected headsets ordered by serial.
func (f *Fleet) Headsets() []*Headset {
	f.mu.RLock()
	out := make([]*Headset, 0, len(f.headsets))
	for _, h := range f.headsets {
		out = append(out, h)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Serial() < out[j].Serial() })
	return out
}

// Snapshots returns a snapshot of every connected headset ordered by serial.
func (f *Fleet) Snapshots() []HeadsetSnapshot {
	headsets := f.Headsets()
	out := make([]HeadsetSnapshot, 0, len(headsets))
	for _, h := range headsets {
		out = append(out, h.Snapshot())
	}
	return out
}

// Dispatch queues action on the headset identified by serial.
func (f *Fleet) Dispatch(serial, action string) (string, error) {
	kind, err := ParseTaskKind(action)
	if err != nil {
		return "", err
	}
	h, err := f.Get(serial)
	if err != nil {
		return "", err
	}
	return h.Submit(kind)
}

// Run refreshes the fleet immediately and then every interval until ctx is done.
func (f *Fleet) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.logger.WithField("interval", interval.String()).Info("Fleet poll loop started")
	for {
		// Errors are already logged; the loop keeps polling.
		_ = f.Refresh(ctx)

		select {
		case <-ctx.Done():
			f.logger.Info("Fleet poll loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Close stops every headset's task queue.
func (f *Fleet) Close() {
	f.mu.Lock()
	headsets := f.headsets
	f.headsets = make(map[string]*Headset)
	f.mu.Unlock()

	for _, h := range headsets {
		h.Close()
	}
}
