// Model lifecycle: one-shot loading with a lock-free readiness view
package model

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Manager
type State int32

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LoaderFunc builds a network from its artifacts
type LoaderFunc func(ctx context.Context, a Artifacts, opts LoadOptions) (Network, error)

// Status is a point-in-time view of the manager for health reporting
type Status struct {
	State     string    `json:"state"`
	Ready     bool      `json:"ready"`
	Error     string    `json:"error,omitempty"`
	Since     time.Time `json:"since"`
	Model     *Info     `json:"model,omitempty"`
	Artifacts Artifacts `json:"artifacts"`
}

type snapshot struct {
	state   State
	network Network
	err     error
	since   time.Time
}

// Manager owns the network's lifecycle. Load and Close are serialized; the
// current state is published atomically so readers never observe a
// partially configured network.
type Manager struct {
	artifacts Artifacts
	opts      LoadOptions
	loader    LoaderFunc
	logger    logrus.FieldLogger
	onState   func(State)

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// Option configures a Manager
type Option func(*Manager)

// WithLoader replaces the network loader
func WithLoader(fn LoaderFunc) Option {
	return func(m *Manager) { m.loader = fn }
}

// WithLogger sets the logger used for lifecycle events
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLoadOptions sets backend, target and head parallelism
func WithLoadOptions(opts LoadOptions) Option {
	return func(m *Manager) { m.opts = opts }
}

// WithStateHook registers a callback invoked on every state transition
func WithStateHook(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// NewManager creates a new Manager in the Unloaded state
func NewManager(a Artifacts, opts ...Option) *Manager {
	m := &Manager{
		artifacts: a,
		loader:    LoadCaffe,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publish(&snapshot{state: Unloaded})
	return m
}

// Load transitions Unloaded -> Loading -> Ready|Failed. Loading again after
// a terminal state is a no-op that reports the recorded outcome; Close
// returns the manager to Unloaded.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cur := m.current.Load(); cur.state {
	case Ready:
		return nil
	case Failed:
		return cur.err
	}

	m.publish(&snapshot{state: Loading})
	log := m.logger.WithFields(logrus.Fields{
		"descriptor":      m.artifacts.Descriptor,
		"weights":         m.artifacts.Weights,
		"cluster_centers": m.artifacts.ClusterCenters,
	})
	log.Info("Loading colorization model")
	start := time.Now()

	network, err := m.loader(ctx, m.artifacts, m.opts)
	if err == nil && network == nil {
		err = fmt.Errorf("%w: loader returned no network", ErrArtifactCorrupt)
	}
	if err == nil && ctx.Err() != nil {
		network.Close()
		err = ctx.Err()
	}
	if err != nil {
		m.publish(&snapshot{state: Failed, err: err})
		log.WithError(err).Error("Model failed to load")
		return err
	}

	m.publish(&snapshot{state: Ready, network: network})
	info := network.Info()
	log.WithFields(logrus.Fields{
		"model":    info.Name,
		"version":  info.Version,
		"trunk":    info.TrunkOutput,
		"duration": time.Since(start),
	}).Info("Model loaded successfully")
	return nil
}

// IsReady reports whether the network can serve predictions
func (m *Manager) IsReady() bool {
	return m.current.Load().state == Ready
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	return m.current.Load().state
}

// Err returns the load error when the manager is Failed
func (m *Manager) Err() error {
	return m.current.Load().err
}

// Network returns the configured network, or ErrNotReady
func (m *Manager) Network() (Network, error) {
	cur := m.current.Load()
	if cur.state != Ready {
		return nil, fmt.Errorf("%w: model is %s", ErrNotReady, cur.state)
	}
	return cur.network, nil
}

// Status reports the lifecycle state for health endpoints
func (m *Manager) Status() Status {
	cur := m.current.Load()
	st := Status{
		State:     cur.state.String(),
		Ready:     cur.state == Ready,
		Since:     cur.since,
		Artifacts: m.artifacts,
	}
	if cur.err != nil {
		st.Error = cur.err.Error()
	}
	if cur.network != nil {
		info := cur.network.Info()
		st.Model = &info
	}
	return st
}

// Close releases the network and returns the manager to Unloaded
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	m.publish(&snapshot{state: Unloaded})
	if cur.network == nil {
		return nil
	}
	m.logger.Info("Releasing colorization model")
	return cur.network.Close()
}

func (m *Manager) publish(s *snapshot) {
	s.since = time.Now()
	m.current.Store(s)
	if m.onState != nil {
		m.onState(s.state)
	}
}
