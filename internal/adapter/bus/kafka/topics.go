// Package kafka provides the event bus adapter: namespaced topics, the
// transactional publisher and header-filtered group consumers.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Base topic names; the deployed name is namespaced by the bus project id.
const (
	topicCommands       = "video-commands"
	topicJobEvents      = "job-events"
	topicPipelineEvents = "pipeline-events"
	topicCancellations  = "cancellations"
)

// Topics holds the fully namespaced topic names for one deployment.
type Topics struct {
	Commands       string
	JobEvents      string
	PipelineEvents string
	Cancellations  string
}

// NewTopics namespaces the base topics so multiple deployments can share a
// cluster.
func NewTopics(namespace string) Topics {
	return Topics{
		Commands:       namespace + "." + topicCommands,
		JobEvents:      namespace + "." + topicJobEvents,
		PipelineEvents: namespace + "." + topicPipelineEvents,
		Cancellations:  namespace + "." + topicCancellations,
	}
}

// All returns the topics in a stable order.
func (t Topics) All() []string {
	return []string{t.Commands, t.JobEvents, t.PipelineEvents, t.Cancellations}
}

// EnsureTopics creates every topic, tolerating ones that already exist
// (error code 36 = TOPIC_ALREADY_EXISTS).
func EnsureTopics(ctx context.Context, client *kgo.Client, topics Topics, partitions int32, replicationFactor int16) error {
	for _, topic := range topics.All() {
		if err := ensureTopic(ctx, client, topic, partitions, replicationFactor); err != nil {
			return err
		}
	}
	return nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("op=bus.ensure_topic: empty topic name")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=bus.ensure_topic: %w", err)
	}
	ctResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=bus.ensure_topic: unexpected response type %T", resp)
	}
	for _, tr := range ctResp.Topics {
		if tr.ErrorCode == 0 {
			slog.Info("topic created", slog.String("topic", tr.Topic))
			continue
		}
		if tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=bus.ensure_topic: %s (code %d)", msg, tr.ErrorCode)
	}
	return nil
}

// deleteGroup removes an ephemeral consumer group on shutdown.
func deleteGroup(ctx context.Context, client *kgo.Client, group string) error {
	req := kmsg.NewDeleteGroupsRequest()
	req.Groups = []string{group}
	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=bus.delete_group: %w", err)
	}
	dgResp, ok := resp.(*kmsg.DeleteGroupsResponse)
	if !ok {
		return fmt.Errorf("op=bus.delete_group: unexpected response type %T", resp)
	}
	for _, g := range dgResp.Groups {
		// 69 = GROUP_ID_NOT_FOUND, fine on a clean shutdown race.
		if g.ErrorCode != 0 && g.ErrorCode != 69 {
			return fmt.Errorf("op=bus.delete_group: group %s code %d", g.Group, g.ErrorCode)
		}
	}
	return nil
}
