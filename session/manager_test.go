package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/session"
)

func TestManagerLifecycle(t *testing.T) {
	m := session.NewManager(session.DefaultConfig(), log.Discard())

	devA, devB := newStub(bulkDesc()), newStub(bulkDesc())
	a, err := m.Attach(context.Background(), devA, session.Options{})
	require.NoError(t, err)
	b, err := m.Attach(context.Background(), devB, session.Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, m.List(), 2)

	got, err := m.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	// sessions do not serialize against each other
	entered, release := devA.blockWrites()
	done := make(chan error, 1)
	go func() {
		_, err := a.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
		done <- err
	}()
	<-entered
	_, err = b.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
	assert.NoError(t, err)
	release()
	require.NoError(t, <-done)

	require.NoError(t, m.Detach(context.Background(), a.ID()))
	assert.True(t, devA.closed.Load())
	_, err = m.Get(a.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, m.Detach(context.Background(), a.ID()), session.ErrNotFound)

	require.NoError(t, m.Close(context.Background()))
	assert.True(t, devB.closed.Load())
	assert.Empty(t, m.List())
}

func TestManagerAttachFailureClosesPeripheral(t *testing.T) {
	m := session.NewManager(session.DefaultConfig(), log.Discard())
	dev := newStub(gadgetDesc(altSetting(0)))
	_, err := m.Attach(context.Background(), dev, session.Options{})
	assert.ErrorIs(t, err, negotiate.ErrNoMatch)
	assert.True(t, dev.closed.Load())
	assert.Empty(t, m.List())
}

func TestManagerDetachTimeoutClosesLater(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.DetachTimeout = 20 * time.Millisecond
	m := session.NewManager(cfg, log.Discard())
	dev := newStub(bulkDesc())
	s, err := m.Attach(context.Background(), dev, session.Options{})
	require.NoError(t, err)

	entered, release := dev.blockWrites()
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
		done <- err
	}()
	<-entered

	assert.ErrorIs(t, m.Detach(context.Background(), s.ID()), session.ErrDetachTimeout)
	assert.False(t, dev.closed.Load())

	release()
	require.NoError(t, <-done)
	<-s.Released()
	assert.Eventually(t, dev.closed.Load, time.Second, time.Millisecond)
}
