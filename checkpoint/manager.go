package checkpoint

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/internal/logging"
)

// ErrNoCheckpoint is returned by Best when nothing has been saved yet.
var ErrNoCheckpoint = errors.New("no checkpoint saved")

// Manager keeps the single best checkpoint of a run at a fixed path.
type Manager struct {
	mu      sync.Mutex
	path    string
	store   *Store
	mirrors []Mirror
	logger  *logging.Logger
	best    float64
	saved   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMirror copies every saved checkpoint to m. Mirror failures are logged
// and do not fail the save.
func WithMirror(m Mirror) ManagerOption {
	return func(mgr *Manager) {
		if m != nil {
			mgr.mirrors = append(mgr.mirrors, m)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(mgr *Manager) {
		if l != nil {
			mgr.logger = l
		}
	}
}

// NewManager creates a Manager writing to path. The best score starts at
// negative infinity so the first evaluation always saves.
func NewManager(path string, store *Store, opts ...ManagerOption) *Manager {
	if store == nil {
		store = NewStore()
	}
	mgr := &Manager{
		path:   path,
		store:  store,
		logger: logging.NoopLogger(),
		best:   math.Inf(-1),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Path returns where the best checkpoint lives.
func (m *Manager) Path() string { return m.path }

// BestScore returns the best score kept so far.
func (m *Manager) BestScore() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.best
}

// Saved reports whether a checkpoint has been written by this manager.
func (m *Manager) Saved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

// Keep saves a new checkpoint when score is at least the best so far. A tie
// replaces the earlier checkpoint. snapshot is only called when a save
// happens. The best score advances only after the file is in place, so a
// failed save leaves the previous checkpoint and score untouched.
func (m *Manager) Keep(ctx context.Context, score float64, snapshot func() *Checkpoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if math.IsNaN(score) || score < m.best {
		return false, nil
	}

	ck := snapshot()
	ck.Perf = score
	prev := m.best
	if err := m.store.Save(m.path, ck); err != nil {
		m.logger.LogBestCheckpoint(ctx, prev, score, m.path, err)
		return false, err
	}
	m.best = score
	m.saved = true
	m.logger.LogBestCheckpoint(ctx, prev, score, m.path, nil)

	for _, mirror := range m.mirrors {
		err := mirror.Upload(ctx, m.path)
		m.logger.LogMirror(ctx, mirror.Target(), err)
	}
	return true, nil
}

// Best loads the kept checkpoint onto dev.
func (m *Manager) Best(dev device.Device) (*Checkpoint, error) {
	m.mu.Lock()
	saved := m.saved
	m.mu.Unlock()
	if !saved {
		ok, err := m.store.Exists(m.path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNoCheckpoint
		}
	}
	return m.store.Load(m.path, dev)
}
