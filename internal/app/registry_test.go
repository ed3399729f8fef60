package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/deskrtc/internal/adapters/mqtt"
	"github.com/dkeye/deskrtc/internal/app/session"
	"github.com/dkeye/deskrtc/internal/app/signaling"
	"github.com/dkeye/deskrtc/internal/core"
	"github.com/dkeye/deskrtc/internal/domain"
)

var errNoPeer = errors.New("peer unavailable")

func failingRegistry(t *testing.T) (*Registry, *mqtt.MemoryBroker) {
	t.Helper()
	b := mqtt.NewMemoryBroker()
	reg := NewRegistry(func(d domain.DesktopID) (*session.Session, error) {
		return session.New(session.Options{
			DesktopID:  d,
			Transport:  b.Factory(),
			ICESources: []signaling.ICESource{},
			Peer: func(webrtc.Configuration, string) (core.PeerConnection, error) {
				return nil, errNoPeer
			},
		})
	})
	t.Cleanup(reg.Close)
	return reg, b
}

func TestRegistryRecordsConnectError(t *testing.T) {
	reg, _ := failingRegistry(t)

	s, err := reg.Connect(context.Background(), "desk-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := reg.Get("desk-1")
		return ok && snap.Error != ""
	}, time.Second, 5*time.Millisecond)

	snap, _ := reg.Get("desk-1")
	assert.Equal(t, s.ID(), snap.SessionID)
	assert.Equal(t, domain.StatusNew, snap.Status)
	assert.Contains(t, snap.Error, "peer unavailable")
}

func TestRegistryRetryBuildsNewSession(t *testing.T) {
	reg, b := failingRegistry(t)

	first, err := reg.Connect(context.Background(), "desk-1")
	require.NoError(t, err)
	second, err := reg.Connect(context.Background(), "desk-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, domain.StatusDisconnected, first.Status())
	assert.ErrorIs(t, first.Connect(context.Background()), core.ErrClosed)

	got, ok := reg.Session("desk-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Empty(t, b.Messages(second.Prefix()+session.TopicOffer))
}

func TestRegistryListAndDisconnect(t *testing.T) {
	reg, _ := failingRegistry(t)

	_, err := reg.Connect(context.Background(), "desk-b")
	require.NoError(t, err)
	_, err = reg.Connect(context.Background(), "desk-a")
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.DesktopID("desk-a"), list[0].Desktop)
	assert.Equal(t, domain.DesktopID("desk-b"), list[1].Desktop)

	assert.True(t, reg.Disconnect("desk-a"))
	assert.False(t, reg.Disconnect("desk-a"))
	_, ok := reg.Get("desk-a")
	assert.False(t, ok)
	assert.Len(t, reg.List(), 1)
}

func TestRegistryFactoryError(t *testing.T) {
	reg := NewRegistry(func(domain.DesktopID) (*session.Session, error) {
		return nil, session.ErrNoDesktop
	})
	_, err := reg.Connect(context.Background(), "")
	assert.ErrorIs(t, err, session.ErrNoDesktop)
	assert.Empty(t, reg.List())
}
