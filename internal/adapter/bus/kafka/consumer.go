package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
)

// Handler processes one record value with its headers. Returning an error
// leaves the offset uncommitted, so the record is redelivered (at-least-once).
type Handler func(ctx context.Context, value []byte, headers map[string]string) error

// Filter matches record headers; every entry must equal the header value.
// A nil filter matches everything.
type Filter map[string]string

func (f Filter) matches(headers map[string]string) bool {
	for k, want := range f {
		if headers[k] != want {
			return false
		}
	}
	return true
}

// Consumer is a read-committed group consumer over one topic with
// consumer-side header filtering.
type Consumer struct {
	client *kgo.Client
	topic  string
	group  string
	filter Filter
	handle Handler
	// ephemeral groups are deleted on Close.
	ephemeral bool
}

// NewConsumer joins a durable consumer group on the topic.
func NewConsumer(brokers []string, group, topic string, filter Filter, handle Handler) (*Consumer, error) {
	return newConsumer(brokers, group, topic, filter, handle, false)
}

// NewEphemeralConsumer joins a throwaway group (one per worker instance,
// used for cancellation broadcasts) that is removed on Close. It reads from
// the end of the topic; only broadcasts after startup matter.
func NewEphemeralConsumer(brokers []string, group, topic string, filter Filter, handle Handler) (*Consumer, error) {
	return newConsumer(brokers, group, topic, filter, handle, true)
}

func newConsumer(brokers []string, group, topic string, filter Filter, handle Handler, ephemeral bool) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=bus.consumer: no seed brokers")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(tracingHooks()...),
	}
	if ephemeral {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=bus.consumer: %w", err)
	}
	return &Consumer{
		client:    client,
		topic:     topic,
		group:     group,
		filter:    filter,
		handle:    handle,
		ephemeral: ephemeral,
	}, nil
}

// Run polls until ctx is cancelled. Records failing the filter are consumed
// and committed without dispatch; records failing the handler stay
// uncommitted and come back on the next poll.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("bus consumer started",
		slog.String("topic", c.topic),
		slog.String("group", c.group))
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Warn("bus fetch error",
					slog.String("topic", fe.Topic),
					slog.Any("error", fe.Err))
			}
			continue
		}

		var failed bool
		fetches.EachRecord(func(rec *kgo.Record) {
			if failed {
				return
			}
			headers := make(map[string]string, len(rec.Headers))
			for _, h := range rec.Headers {
				headers[h.Key] = string(h.Value)
			}
			if !c.filter.matches(headers) {
				c.commit(ctx, rec)
				return
			}
			if err := c.handle(ctx, rec.Value, headers); err != nil {
				slog.Warn("bus handler failed, record will be redelivered",
					slog.String("topic", rec.Topic),
					slog.String("type", headers["type"]),
					slog.Any("error", err))
				failed = true
				return
			}
			observability.BusConsumedTotal.WithLabelValues(rec.Topic, headers["type"]).Inc()
			c.commit(ctx, rec)
		})
	}
}

func (c *Consumer) commit(ctx context.Context, rec *kgo.Record) {
	if err := c.client.CommitRecords(ctx, rec); err != nil {
		slog.Warn("offset commit failed", slog.String("topic", rec.Topic), slog.Any("error", err))
	}
}

// Close leaves the group; ephemeral groups are deleted from the broker.
func (c *Consumer) Close() error {
	if c.ephemeral {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.client.LeaveGroup()
		if err := deleteGroup(dctx, c.client, c.group); err != nil {
			slog.Warn("ephemeral group cleanup failed",
				slog.String("group", c.group),
				slog.Any("error", err))
		}
	}
	c.client.Close()
	return nil
}
