package txlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/rxlog/internal/kv"
)

// Manager owns the versioning of the transaction log: which version is
// writable, which versions must survive a crash, and which may be cleared.
//
// Initialization, Snapshot, LoseReference, Reclaim and ReplayLog are
// serialized by one FIFO lock. CurrentLog is lock-free once the manager is
// ready. Appends to the current log are not serialized here; the store's
// transaction isolation is the only protection between concurrent writers.
//
// The in-memory counters are a cache of TxMetadata, reconciled from the
// store on initialization. Snapshot, Reclaim and ReplayLog read the stored
// counters in their own transaction.
type Manager struct {
	store  kv.Store
	codec  *Codec
	logger *slog.Logger

	lock    *semaphore.Weighted
	reclaim singleflight.Group

	current   atomic.Pointer[VersionedLog]
	view      atomic.Pointer[managerView]
	closed    atomic.Bool
	handedOut atomic.Bool // CurrentLog has returned a log

	// Guarded by lock.
	meta      Metadata
	queue     []*VersionedLog
	ready     bool
	recovered bool
	fresh     int64 // version created by initialization before recovery, 0 if none
}

// managerView is the published, read-only copy of the counters.
type managerView struct {
	meta     Metadata
	versions []int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCodec sets the record codec. Defaults to DefaultCodec.
func WithCodec(codec *Codec) Option {
	return func(m *Manager) {
		if codec != nil {
			m.codec = codec
		}
	}
}

// NewManager returns an uninitialized manager over store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		codec:  DefaultCodec,
		logger: slog.Default(),
		lock:   semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "txlog"))
	return m
}

// SnapshotCleanup is returned by Snapshot. Call LoseReference once the
// checkpoint that started with the snapshot is durable.
type SnapshotCleanup struct {
	manager *Manager
	version int64
}

// Version returns the version the snapshot made current.
func (c *SnapshotCleanup) Version() int64 {
	return c.version
}

// LoseReference marks every version older than the current one as
// reclaimable. See Manager.LoseReference.
func (c *SnapshotCleanup) LoseReference(ctx context.Context, tx kv.Transaction) (*ReclaimResource, error) {
	return c.manager.LoseReference(ctx, tx)
}

// ReclaimResource is returned by LoseReference.
type ReclaimResource struct {
	manager *Manager
}

// Reclaim clears the reclaimable versions. See Manager.Reclaim.
func (r *ReclaimResource) Reclaim(ctx context.Context) (ReclaimStats, error) {
	return r.manager.Reclaim(ctx)
}

// ReclaimStats reports what a Reclaim call cleared.
type ReclaimStats struct {
	Cleared []int64 `json:"cleared"`
}

// EnsureInitialized makes the manager ready. On an empty store it creates
// version 1; otherwise it loads the counters and rebuilds the handles of
// the held versions.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	return m.initLocked(ctx)
}

// CurrentLog returns the writable log, initializing the manager if needed.
func (m *Manager) CurrentLog(ctx context.Context) (*VersionedLog, error) {
	if l := m.current.Load(); l != nil {
		m.handedOut.Store(true)
		return l, nil
	}
	if err := m.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	if l := m.current.Load(); l != nil {
		m.handedOut.Store(true)
		return l, nil
	}
	return nil, ErrManagerClosed
}

// Record appends op for name to the current log in its own transaction.
// It returns the version written to.
func (m *Manager) Record(ctx context.Context, cat Category, name string, op Operation) (int64, error) {
	log, err := m.CurrentLog(ctx)
	if err != nil {
		return 0, err
	}
	err = m.update(ctx, func(tx kv.Transaction) error {
		return log.Append(ctx, tx, cat, name, op)
	})
	if err != nil {
		return 0, err
	}
	m.logger.Debug("operation recorded",
		slog.Int64("version", log.Version()),
		slog.String("category", cat.String()),
		slog.String("name", name),
		slog.String("kind", op.Kind().String()),
	)
	return log.Version(), nil
}

// Snapshot starts a new version. In one transaction it increments the
// stored Latest, ActiveCount and HeldCount; once committed the new version
// becomes the current log and the previous one is frozen history.
//
// A failed commit changes nothing.
func (m *Manager) Snapshot(ctx context.Context) (*SnapshotCleanup, error) {
	ctx, span := startSpan(ctx, "Snapshot")
	defer span.End()

	if err := m.acquire(ctx); err != nil {
		return nil, failSpan(span, err)
	}
	defer m.release()

	if err := m.initLocked(ctx); err != nil {
		return nil, failSpan(span, err)
	}

	// Built from the stored counters so an uncommitted LoseReference is not
	// made durable here.
	var next Metadata
	err := m.update(ctx, func(tx kv.Transaction) error {
		stored, err := m.storedLocked(ctx, tx)
		if err != nil {
			return err
		}
		next = Metadata{
			Latest:      stored.Latest + 1,
			ActiveCount: stored.ActiveCount + 1,
			HeldCount:   stored.HeldCount + 1,
		}
		if err := m.invariant(ctx, "snapshot", next.Check()); err != nil {
			return err
		}
		return next.Store(ctx, tx)
	})
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("snapshot: %w", err))
	}

	log := NewVersionedLog(next.Latest, m.codec)
	m.meta = next
	m.queue = append(m.queue, log)
	m.current.Store(log)
	m.publishLocked()

	if err := m.verifyLocked(ctx, "snapshot"); err != nil {
		return nil, failSpan(span, err)
	}

	recordSnapshot(ctx)
	setSpanMetadata(span, next)
	m.logger.Info("log snapshot",
		slog.Int64("version", next.Latest),
		slog.Int64("active", next.ActiveCount),
		slog.Int64("held", next.HeldCount),
	)

	return &SnapshotCleanup{manager: m, version: next.Latest}, nil
}

// LoseReference sets ActiveCount to 1: everything older than the current
// version is covered by a durable checkpoint. Call it only after that
// checkpoint succeeded.
//
// With a nil tx the change is committed in its own transaction. Otherwise
// it is written into tx and the caller commits; the in-memory counter is
// updated immediately, but Reclaim and ReplayLog act on the stored count,
// so a tx that is discarded or fails to commit loses nothing. Calling it
// again is harmless.
func (m *Manager) LoseReference(ctx context.Context, tx kv.Transaction) (*ReclaimResource, error) {
	ctx, span := startSpan(ctx, "LoseReference")
	defer span.End()

	if err := m.acquire(ctx); err != nil {
		return nil, failSpan(span, err)
	}
	defer m.release()

	if err := m.initLocked(ctx); err != nil {
		return nil, failSpan(span, err)
	}

	next := m.meta
	next.ActiveCount = 1
	if err := m.invariant(ctx, "lose_reference", next.Check()); err != nil {
		return nil, failSpan(span, err)
	}

	if tx == nil {
		err := m.update(ctx, func(tx kv.Transaction) error {
			return StoreActiveCount(ctx, tx, next.ActiveCount)
		})
		if err != nil {
			return nil, failSpan(span, fmt.Errorf("lose reference: %w", err))
		}
	} else if err := StoreActiveCount(ctx, tx, next.ActiveCount); err != nil {
		return nil, failSpan(span, fmt.Errorf("lose reference: %w", err))
	}

	m.meta = next
	m.publishLocked()
	if err := m.verifyLocked(ctx, "lose_reference"); err != nil {
		return nil, failSpan(span, err)
	}

	setSpanMetadata(span, next)
	m.logger.Info("log reference lost",
		slog.Int64("version", next.Latest),
		slog.Int64("reclaimable", next.Reclaimable()),
	)

	return &ReclaimResource{manager: m}, nil
}

// Reclaim clears the HeldCount-ActiveCount oldest versions and sets
// HeldCount to ActiveCount, in one transaction. The counts are read from
// TxMetadata inside that transaction. It is a no-op when nothing is
// reclaimable. Concurrent calls share one execution.
//
// Reclaim only frees storage; a failed or skipped Reclaim never affects
// recovery.
func (m *Manager) Reclaim(ctx context.Context) (ReclaimStats, error) {
	if v := m.view.Load(); v != nil && v.meta.Reclaimable() <= 0 {
		return ReclaimStats{}, nil
	}
	res, err, _ := m.reclaim.Do("reclaim", func() (any, error) {
		return m.reclaimOnce(ctx)
	})
	if err != nil {
		return ReclaimStats{}, err
	}
	return res.(ReclaimStats), nil
}

func (m *Manager) reclaimOnce(ctx context.Context) (ReclaimStats, error) {
	ctx, span := startSpan(ctx, "Reclaim")
	defer span.End()

	if err := m.acquire(ctx); err != nil {
		return ReclaimStats{}, failSpan(span, err)
	}
	defer m.release()

	if err := m.initLocked(ctx); err != nil {
		return ReclaimStats{}, failSpan(span, err)
	}

	// Re-check under the lock.
	if m.meta.Reclaimable() <= 0 {
		return ReclaimStats{}, nil
	}

	// The victims come from the stored counters. A LoseReference written
	// into a caller transaction lowers the in-memory active count before
	// that transaction commits, and may never commit at all.
	var (
		stored  Metadata
		victims []*VersionedLog
	)
	err := m.update(ctx, func(tx kv.Transaction) error {
		var err error
		if stored, err = m.storedLocked(ctx, tx); err != nil {
			return err
		}
		diff := stored.Reclaimable()
		if diff <= 0 {
			return nil
		}
		victims = m.queue[:diff]
		for _, log := range victims {
			if err := log.EnterScope(tx).Clear(ctx); err != nil {
				return err
			}
		}
		return StoreHeldCount(ctx, tx, stored.ActiveCount)
	})
	if errors.Is(err, kv.ErrTransactionTooLarge) {
		m.logger.Error("reclaim exceeds the store transaction limit; held versions stay in storage",
			slog.Int("versions", len(victims)),
			slog.Int64("held", m.meta.HeldCount),
			slog.String("error", err.Error()),
		)
	}
	if err != nil {
		return ReclaimStats{}, failSpan(span, fmt.Errorf("reclaim: %w", err))
	}
	if len(victims) == 0 {
		m.logger.Debug("reclaim deferred: reference loss not committed",
			slog.Int64("active", m.meta.ActiveCount),
			slog.Int64("stored_active", stored.ActiveCount),
		)
		return ReclaimStats{}, nil
	}

	stats := ReclaimStats{Cleared: make([]int64, 0, len(victims))}
	for _, log := range victims {
		stats.Cleared = append(stats.Cleared, log.Version())
	}

	next := stored
	next.HeldCount = stored.ActiveCount
	m.queue = append([]*VersionedLog(nil), m.queue[len(victims):]...)
	m.meta = next
	m.publishLocked()
	if err := m.verifyLocked(ctx, "reclaim"); err != nil {
		return ReclaimStats{}, failSpan(span, err)
	}

	recordReclaim(ctx, len(stats.Cleared))
	setSpanMetadata(span, next)
	m.logger.Info("log versions reclaimed",
		slog.Any("cleared", stats.Cleared),
		slog.Int64("held", next.HeldCount),
	)

	return stats, nil
}

// ReplayLog coalesces the active versions, oldest first, into the set of
// operations recovery must re-apply. A version this manager created during
// initialization is skipped while it is known empty: no recovery has run
// and CurrentLog has never handed it out.
//
// Invalid sequences are reported in the ReplaySet, not as an error.
func (m *Manager) ReplayLog(ctx context.Context) (*ReplaySet, error) {
	return m.ReplayLogFrom(ctx, 0)
}

// ReplayLogFrom is ReplayLog restricted to active versions >= from. A host
// whose checkpoint records the snapshot version passes it here, so the
// versions the checkpoint already contains are not re-applied.
func (m *Manager) ReplayLogFrom(ctx context.Context, from int64) (*ReplaySet, error) {
	ctx, span := startSpan(ctx, "ReplayLog")
	defer span.End()

	if err := m.acquire(ctx); err != nil {
		return nil, failSpan(span, err)
	}
	defer m.release()

	if err := m.initLocked(ctx); err != nil {
		return nil, failSpan(span, err)
	}

	tx, err := m.store.CreateTransaction(ctx)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("replay: create transaction: %w", err))
	}
	defer tx.Discard()

	// An uncommitted LoseReference must not shrink the window.
	stored, err := m.storedLocked(ctx, tx)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("replay: %w", err))
	}
	window := m.queue[int64(len(m.queue))-stored.ActiveCount:]

	c := NewCoalescer()
	for _, log := range window {
		if log.Version() < from {
			continue
		}
		if !m.recovered && log.Version() == m.fresh && !m.handedOut.Load() {
			m.logger.Debug("skipping freshly initialized version", slog.Int64("version", log.Version()))
			continue
		}
		if err := c.AddLog(ctx, tx, log); err != nil {
			return nil, failSpan(span, fmt.Errorf("replay version %d: %w", log.Version(), err))
		}
	}
	m.recovered = true

	rs := c.Result()
	recordReplay(ctx, rs)
	setSpanMetadata(span, m.meta)

	m.logger.Info("log replayed",
		slog.Any("versions", rs.Versions()),
		slog.Int("operations", rs.Len()),
		slog.Int("invalid", rs.InvalidCount()),
	)
	if rs.HasInvalid() {
		m.logger.Warn("replay found invalid operation sequences", slog.Int("names", rs.InvalidCount()))
	}

	return rs, nil
}

// Metadata returns the last published counters. Zero before initialization.
func (m *Manager) Metadata() Metadata {
	if v := m.view.Load(); v != nil {
		return v.meta
	}
	return Metadata{}
}

// Versions returns the held versions, oldest first.
func (m *Manager) Versions() []int64 {
	v := m.view.Load()
	if v == nil {
		return nil
	}
	out := make([]int64, len(v.versions))
	copy(out, v.versions)
	return out
}

// Recovered reports whether ReplayLog has run.
func (m *Manager) Recovered(ctx context.Context) (bool, error) {
	if err := m.acquire(ctx); err != nil {
		return false, err
	}
	defer m.release()
	return m.recovered, nil
}

// Close disposes of the manager. It releases nothing durable and must not
// be called while operations are pending. The store is not closed. The
// manager's versions are withdrawn from the held versions gauge.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.current.Store(nil)
	if v := m.view.Load(); v != nil {
		recordHeld(context.Background(), -v.meta.HeldCount)
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire log lock: %w", err)
	}
	if m.closed.Load() {
		m.lock.Release(1)
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) release() {
	m.lock.Release(1)
}

// initLocked loads or creates the metadata. Caller holds the lock.
func (m *Manager) initLocked(ctx context.Context) error {
	if m.ready {
		return nil
	}

	tx, err := m.store.CreateTransaction(ctx)
	if err != nil {
		return fmt.Errorf("initialize log: create transaction: %w", err)
	}
	defer tx.Discard()

	meta, found, err := LoadMetadata(ctx, tx)
	if err != nil {
		return fmt.Errorf("initialize log: %w", err)
	}

	if found {
		if err := m.invariant(ctx, "initialize", meta.Check()); err != nil {
			return err
		}
		if !meta.Initialized() {
			return m.invariant(ctx, "initialize", &InvariantError{Metadata: meta, Reason: "stored counters are all zero"})
		}
	} else {
		// Start from zero counters and advance to version 1.
		meta = Metadata{Latest: 1, ActiveCount: 1, HeldCount: 1}
		if err := meta.Store(ctx, tx); err != nil {
			return fmt.Errorf("initialize log: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("initialize log: %w", err)
		}
		if !m.recovered {
			m.fresh = meta.Latest
		}
	}

	m.meta = meta
	m.queue = make([]*VersionedLog, 0, meta.HeldCount)
	for v := meta.Oldest(); v <= meta.Latest; v++ {
		m.queue = append(m.queue, NewVersionedLog(v, m.codec))
	}
	m.ready = true
	m.current.Store(m.queue[len(m.queue)-1])
	m.publishLocked()
	recordHeld(ctx, meta.HeldCount)

	if err := m.verifyLocked(ctx, "initialize"); err != nil {
		return err
	}

	m.logger.Info("transaction log ready",
		slog.Bool("created", !found),
		slog.Int64("latest", meta.Latest),
		slog.Int64("active", meta.ActiveCount),
		slog.Int64("held", meta.HeldCount),
	)
	return nil
}

// storedLocked reads TxMetadata from tx and checks it against the handle
// queue. Only the active count may differ from the in-memory counters.
func (m *Manager) storedLocked(ctx context.Context, tx kv.Transaction) (Metadata, error) {
	stored, found, err := LoadMetadata(ctx, tx)
	if err != nil {
		return Metadata{}, err
	}
	if !found {
		err = &InvariantError{Metadata: m.meta, Reason: "stored counters missing"}
	} else if err = stored.Check(); err == nil &&
		(stored.Latest != m.meta.Latest || stored.HeldCount != m.meta.HeldCount) {
		err = &InvariantError{Metadata: stored, Reason: "stored counters diverge from log handles"}
	}
	if err != nil {
		return Metadata{}, m.invariant(ctx, "load_metadata", err)
	}
	return stored, nil
}

// publishLocked stores a read-only copy of the counters and versions.
func (m *Manager) publishLocked() {
	versions := make([]int64, len(m.queue))
	for i, log := range m.queue {
		versions[i] = log.Version()
	}
	m.view.Store(&managerView{meta: m.meta, versions: versions})
}

// verifyLocked checks the counters against themselves and the handle queue.
func (m *Manager) verifyLocked(ctx context.Context, op string) error {
	err := m.meta.Check()
	if err == nil && int64(len(m.queue)) != m.meta.HeldCount {
		err = &InvariantError{
			Metadata: m.meta,
			Reason:   fmt.Sprintf("%d log handles for held count", len(m.queue)),
		}
	}
	if err == nil && len(m.queue) > 0 && m.queue[len(m.queue)-1].Version() != m.meta.Latest {
		err = &InvariantError{Metadata: m.meta, Reason: "newest log handle is not the latest version"}
	}
	return m.invariant(ctx, op, err)
}

// invariant logs and counts a violation. It returns err unchanged.
func (m *Manager) invariant(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	m.logger.Error("transaction log invariant violated",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	recordInvariantViolation(ctx, op)
	return err
}

func (m *Manager) update(ctx context.Context, fn func(tx kv.Transaction) error) error {
	tx, err := m.store.CreateTransaction(ctx)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	defer tx.Discard()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
