// Package service holds the lifecycle plumbing shared by the session,
// character, system, and chatter services.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/wire"
)

// Manager is embedded by each service. It announces the service on the
// lifecycle beacon topics and listens for the beacons of its peers.
type Manager struct {
	Bus  bus.Bus
	Type wire.ServiceType
	Log  zerolog.Logger
}

func NewManager(b bus.Bus, typ wire.ServiceType, log zerolog.Logger) Manager {
	return Manager{
		Bus:  b,
		Type: typ,
		Log:  log.With().Str("service", string(typ)).Logger(),
	}
}

func (m *Manager) beacon(ctx context.Context, subject string) {
	msg := wire.ServiceStart{Type: m.Type, Timestamp: time.Now().UTC()}
	payload, err := wire.Marshal(msg)
	if err != nil {
		m.Log.Error().Err(err).Msg("marshal lifecycle beacon")
		return
	}
	if err := m.Bus.Publish(ctx, subject, payload); err != nil {
		m.Log.Warn().Err(err).Str("subject", subject).Msg("publish lifecycle beacon")
	}
}

func (m *Manager) serviceStartCb(_ context.Context, _ string, payload []byte) []byte {
	var msg wire.ServiceStart
	if err := wire.Unmarshal(payload, &msg); err != nil {
		m.Log.Warn().Err(err).Msg("malformed service beacon")
		return nil
	}
	m.Log.Info().Str("peer", string(msg.Type)).Time("at", msg.Timestamp).Msg("peer service started")
	return nil
}

// Start publishes the START beacon and subscribes to peer beacons.
func (m *Manager) Start(ctx context.Context) {
	m.beacon(ctx, wire.SubjectServiceStart)
	m.Bus.Subscribe(wire.SubjectServiceStart, m.serviceStartCb, false)
	m.Log.Info().Msg("service started")
}

// Stop unsubscribes from peer beacons and publishes the STOP beacon.
func (m *Manager) Stop(ctx context.Context) {
	m.Bus.Unsubscribe(wire.SubjectServiceStart)
	m.beacon(ctx, wire.SubjectServiceStop)
	m.Log.Info().Msg("service stopped")
}
