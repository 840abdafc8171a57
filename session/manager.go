package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/Alia5/usbtest/usb"
)

type entry struct {
	s   *Session
	dev usb.Peripheral
}

// Manager keeps the sessions of independent peripherals. Its lock covers
// only the session map; each session serializes its own tests.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]entry
}

// NewManager returns a Manager whose sessions default to cfg.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger, sessions: make(map[string]entry)}
}

// Attach creates a session for dev. The Manager owns dev from here on: it
// is closed when attach fails or after the session is released.
func (m *Manager) Attach(ctx context.Context, dev usb.Peripheral, opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Config == (Config{}) {
		opts.Config = m.cfg
	}
	s, err := Attach(ctx, dev, dev.Descriptor(), opts, m.logger)
	if err != nil {
		return nil, multierr.Append(err, dev.Close())
	}
	m.mu.Lock()
	m.sessions[s.ID()] = entry{s: s, dev: dev}
	m.mu.Unlock()
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.s, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.created.Compare(b.created); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// Detach detaches the session and closes its peripheral once the session
// has been released. With ErrDetachTimeout the close happens in the
// background when the in-flight test returns.
func (m *Manager) Detach(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	err := e.s.Detach(ctx)
	switch {
	case err == nil:
		return e.dev.Close()
	case errors.Is(err, ErrDetachTimeout):
		go func() {
			<-e.s.Released()
			if cerr := e.dev.Close(); cerr != nil {
				m.logger.Warn("closing peripheral after deferred release", "session", id, "error", cerr)
			}
		}()
		return err
	}
	return multierr.Append(err, e.dev.Close())
}

// Close detaches every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var err error
	for _, id := range ids {
		err = multierr.Append(err, m.Detach(ctx, id))
	}
	return err
}
