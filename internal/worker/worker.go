// Package worker runs document ingestion off the request path. The API
// publishes ingest tasks to NATS; a queue-group consumer embeds and upserts
// the chunks so uploads return immediately.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/ingestion"
	"github.com/masislabs/masis/internal/logging"
)

// IngestTask is one document's ingestion job.
type IngestTask struct {
	WorkspaceID string            `json:"workspace_id"`
	DocumentID  string            `json:"document_id"`
	FileName    string            `json:"file_name"`
	Chunks      []ingestion.Chunk `json:"chunks"`
}

// Publisher enqueues ingest tasks.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// NewPublisher connects to NATS for task publishing.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Publisher{conn: conn, subject: cfg.Subject}, nil
}

// Publish enqueues one task.
func (p *Publisher) Publish(task IngestTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing task: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Consumer processes ingest tasks from a queue group, so multiple masisd
// instances share the load without duplicate processing.
type Consumer struct {
	cfg      config.NATSConfig
	ingestor *ingestion.Ingestor
	logger   *logging.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewConsumer creates an ingest task consumer.
func NewConsumer(cfg config.NATSConfig, ingestor *ingestion.Ingestor, logger *logging.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		ingestor: ingestor,
		logger:   logger.Named("worker"),
	}
}

// Start subscribes and begins processing. Tasks run on the subscription's
// delivery goroutine; ingestion is already paced internally.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := nats.Connect(c.cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	c.conn = conn

	sub, err := conn.QueueSubscribe(c.cfg.Subject, c.cfg.QueueGroup, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub

	c.logger.Info(ctx, "ingest consumer started",
		zap.String("subject", c.cfg.Subject),
		zap.String("queue_group", c.cfg.QueueGroup))
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	var task IngestTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		c.logger.Error(ctx, "dropping malformed task", zap.Error(err))
		return
	}

	ctx = logging.ContextWithWorkspaceID(ctx, task.WorkspaceID)
	start := time.Now()

	err := c.ingestor.IngestDocument(ctx, task.WorkspaceID, task.DocumentID, task.FileName, task.Chunks)
	if err != nil {
		c.logger.Error(ctx, "ingestion failed",
			zap.String("document_id", task.DocumentID),
			zap.Error(err))
		return
	}

	c.logger.Info(ctx, "ingestion complete",
		zap.String("document_id", task.DocumentID),
		zap.Duration("elapsed", time.Since(start)))
}

// Stop unsubscribes and closes the connection.
func (c *Consumer) Stop() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			return fmt.Errorf("draining subscription: %w", err)
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
