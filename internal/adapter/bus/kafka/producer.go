package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
)

// Publisher is the transactional bus producer. It implements
// domain.EventPublisher and also carries operator commands. Each publish is
// one committed transaction, so a consumer reading read-committed never sees
// a half-published event.
type Publisher struct {
	client *kgo.Client
	topics Topics
	// txChan serializes transactions across goroutines.
	txChan chan struct{}
}

// NewPublisher connects a transactional producer and ensures the topics.
func NewPublisher(ctx context.Context, brokers []string, namespace, transactionalID string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=bus.publisher: no seed brokers")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(tracingHooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=bus.publisher: %w", err)
	}
	topics := NewTopics(namespace)
	if err := EnsureTopics(ctx, client, topics, 1, 1); err != nil {
		slog.Warn("topic ensure failed, continuing", slog.Any("error", err))
	}
	return &Publisher{
		client: client,
		topics: topics,
		txChan: make(chan struct{}, 1),
	}, nil
}

// TopicNames exposes the namespaced topics for consumers built alongside.
func (p *Publisher) TopicNames() Topics { return p.topics }

// PublishJobEvent publishes on the job-events topic keyed by job id.
func (p *Publisher) PublishJobEvent(ctx context.Context, ev domain.JobEvent) error {
	ev.Error = domain.TruncateError(ev.Error)
	return p.publish(ctx, p.topics.JobEvents, ev.JobID, ev.Type, ev.ProjectID, ev)
}

// PublishPipelineEvent publishes on the pipeline-events topic keyed by
// project id so UI consumers see per-project ordering.
func (p *Publisher) PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error {
	return p.publish(ctx, p.topics.PipelineEvents, ev.ProjectID, ev.Type, ev.ProjectID, ev)
}

// PublishCancellation broadcasts on the cancellations topic.
func (p *Publisher) PublishCancellation(ctx context.Context, ev domain.CancelEvent) error {
	return p.publish(ctx, p.topics.Cancellations, ev.ProjectID, ev.Type, ev.ProjectID, ev)
}

// PublishCommand enqueues an operator command for the pipeline handler.
func (p *Publisher) PublishCommand(ctx context.Context, cmd domain.Command) error {
	return p.publish(ctx, p.topics.Commands, cmd.ProjectID, string(cmd.Type), cmd.ProjectID, cmd)
}

// publish produces one record inside a transaction. The `type` header is the
// filter attribute consumers match on.
func (p *Publisher) publish(ctx context.Context, topic, key, eventType, projectID string, payload any) error {
	select {
	case p.txChan <- struct{}{}:
		defer func() { <-p.txChan }()
	case <-ctx.Done():
		return fmt.Errorf("op=bus.publish: %w", ctx.Err())
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=bus.publish: %w", err)
	}
	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=bus.publish: begin: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(eventType)},
			{Key: "project_id", Value: []byte(projectID)},
		},
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=bus.publish: produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=bus.publish: commit: %w", err)
	}

	observability.BusPublishedTotal.WithLabelValues(topic, eventType).Inc()
	slog.Debug("bus publish",
		slog.String("topic", topic),
		slog.String("type", eventType),
		slog.String("key", key))
	return nil
}

// Ping probes the brokers for readiness checks.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=bus.ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
