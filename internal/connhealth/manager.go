package connhealth

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/zoobzio/clockz"
)

const (
	Database = "database"
	Cache    = "cache"
	Queue    = "queue"
)

var ErrManagerClosed = errors.New("connection health manager closed")

// Manager owns one Breaker per named dependency for the lifetime of a
// process. Breakers are created on first use.
type Manager struct {
	cfg      Config
	clock    clockz.Clock
	recorder Recorder

	mu       sync.Mutex
	breakers map[string]*Breaker
	closed   bool
}

type Option func(*Manager)

func WithClock(clock clockz.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		clock:    clockz.RealClock,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Breaker(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, m.cfg, m.clock, m.recorder)
	if !m.closed {
		m.breakers[name] = b
	}
	return b
}

// Health returns every known breaker's health sorted by name.
func (m *Manager) Health() []Health {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]Health, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Health())
	}
	slices.SortFunc(out, func(a, b Health) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Status is the worst status across all breakers.
func (m *Manager) Status() Status {
	statuses := make([]Status, 0)
	for _, h := range m.Health() {
		statuses = append(statuses, h.Status)
	}
	return Worst(statuses...)
}

// Close drops all breaker state. Breakers handed out earlier keep working
// but are no longer reported.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.closed = true
	clear(m.breakers)
	return nil
}
