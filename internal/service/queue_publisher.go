// Package service holds outbound adapters.  TablePublisher pushes table
// updates to RabbitMQ for the real-time fan-out layer.  Failures are
// logged and returned so the pipeline can carry on without them.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"pkt.systems/pslog"

	"github.com/iliyamo/gametable/internal/model"
	q "github.com/iliyamo/gametable/internal/queue"
)

// TablePublisher publishes table updates to the fanout exchange.  The
// connection is opened lazily and re-dialled after any failure.
type TablePublisher struct {
	url    string
	logger pslog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewTablePublisher returns a publisher for the broker at url.
func NewTablePublisher(url string, logger pslog.Logger) *TablePublisher {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &TablePublisher{url: url, logger: logger}
}

// Publish sends one update as a persistent JSON message.
func (p *TablePublisher) Publish(ctx context.Context, update model.TableUpdate) error {
	ev, err := q.NewTableUpdatedEvent(update)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		p.logger.Warn("rabbitmq.publish.connect_failed", "table_id", update.TableID, "error", err)
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    fmt.Sprintf("%s:%d", update.TableID, update.Version),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, q.ExchangeName, "", false, false, pub); err != nil {
		p.logger.Warn("rabbitmq.publish.failed", "table_id", update.TableID, "version", update.Version, "error", err)
		p.reset()
		return err
	}
	return nil
}

// channel returns the cached channel, dialling when needed.  Callers hold mu.
func (p *TablePublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: channel open: %w", err)
	}
	if err := ch.ExchangeDeclare(q.ExchangeName, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: exchange declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *TablePublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close drops the broker connection.
func (p *TablePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	p.reset()
	return nil
}

// LogPublisher stands in when no broker is configured and only logs
// updates at debug level.
type LogPublisher struct {
	Logger pslog.Logger
}

// Publish implements the pipeline broadcaster.
func (l LogPublisher) Publish(_ context.Context, update model.TableUpdate) error {
	if l.Logger != nil {
		l.Logger.Debug("table.update", "table_id", update.TableID, "version", update.Version, "closed", update.Closed)
	}
	return nil
}
