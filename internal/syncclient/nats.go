package syncclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects a worker subscribes to for faster-than-poll reaction. These
// mirror coordinator.SubjectSettings / coordinator.SubjectGlobalBlock
// without importing the coordinator package.
const (
	subjectSettingsUpdated = "fleet.settings.updated"
	subjectBlockTriggered  = "fleet.block.triggered"
)

// NatsSubscriber wakes a Syncer ahead of its next poll when the coordinator
// publishes a settings change or a global block. The payload itself is
// ignored — on any message it just triggers an immediate Sync RPC, so the
// poll stays the single source of truth (spec §4.H) and this is purely a
// latency shortcut for an otherwise idle worker.
type NatsSubscriber struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNatsSubscriber connects to NATS and subscribes the given Syncer to the
// fleet's fast-reaction subjects.
func NewNatsSubscriber(natsURL string, syncer *Syncer, logger *zap.Logger) (*NatsSubscriber, error) {
	opts := []nats.Option{
		nats.Name("proxyfleet-worker"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("syncclient: connecting to nats: %w", err)
	}

	s := &NatsSubscriber{conn: conn, logger: logger}
	nudge := func(subject string) nats.MsgHandler {
		return func(*nats.Msg) {
			logger.Debug("nats: fast-reaction nudge, triggering early sync", zap.String("subject", subject))
			go syncer.tick(context.Background())
		}
	}

	if _, err := conn.Subscribe(subjectSettingsUpdated, nudge(subjectSettingsUpdated)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("syncclient: subscribing to %s: %w", subjectSettingsUpdated, err)
	}
	if _, err := conn.Subscribe(subjectBlockTriggered, nudge(subjectBlockTriggered)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("syncclient: subscribing to %s: %w", subjectBlockTriggered, err)
	}

	return s, nil
}

func (s *NatsSubscriber) Close() {
	s.conn.Close()
}
