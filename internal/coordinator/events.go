package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"proxyfleet/internal/model"
)

// NATS subjects the coordinator publishes fleet-wide events on. Workers
// still get their authoritative view through the sync RPC (spec §4.H);
// SubjectGlobalBlock and SubjectSettings are a low-latency nudge so an idle
// worker doesn't wait a full sync interval to notice a block or a settings
// change — the poll remains the source of truth, the subscriber just wakes
// it up early. SubjectTasksCompleted has no in-fleet subscriber; it exists
// for downstream consumers outside this system (export/persistence).
const (
	SubjectGlobalBlock    = "fleet.block.triggered"
	SubjectSettings       = "fleet.settings.updated"
	SubjectTasksCompleted = "fleet.tasks.completed"
)

// EventPublisher pushes fleet-wide notifications over NATS, with the same
// connection and reconnect handling as the fleet's other NATS client.
type EventPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewEventPublisher connects to NATS with a reconnect policy tuned for a
// long-lived fleet-internal publisher: unlimited reconnect attempts.
func NewEventPublisher(natsURL string, logger *zap.Logger) (*EventPublisher, error) {
	opts := []nats.Option{
		nats.Name("proxyfleet-coordinator"),
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
		return nil, fmt.Errorf("coordinator: connecting to nats: %w", err)
	}
	return &EventPublisher{conn: conn, logger: logger}, nil
}

func (p *EventPublisher) Close() {
	p.conn.Close()
}

// PublishBlock announces a global-block transition.
func (p *EventPublisher) PublishBlock(descriptor model.BlockDescriptor) {
	data, err := json.Marshal(descriptor)
	if err != nil {
		p.logger.Error("encoding block event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(SubjectGlobalBlock, data); err != nil {
		p.logger.Error("publishing block event", zap.Error(err))
	}
}

// PublishSettings announces a successful settings update.
func (p *EventPublisher) PublishSettings(settings model.RuntimeSettings) {
	data, err := json.Marshal(settings)
	if err != nil {
		p.logger.Error("encoding settings event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(SubjectSettings, data); err != nil {
		p.logger.Error("publishing settings event", zap.Error(err))
	}
}

// PublishTasksCompleted announces a submitted result batch for external
// downstream consumers; nothing in this fleet subscribes to it.
func (p *EventPublisher) PublishTasksCompleted(results []model.TaskResult) {
	data, err := json.Marshal(results)
	if err != nil {
		p.logger.Error("encoding tasks-completed event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(SubjectTasksCompleted, data); err != nil {
		p.logger.Error("publishing tasks-completed event", zap.Error(err))
	}
}
