package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Matches(t *testing.T) {
	f := Filter{"type": "JOB_DISPATCHED"}

	assert.True(t, f.matches(map[string]string{"type": "JOB_DISPATCHED"}))
	assert.True(t, f.matches(map[string]string{"type": "JOB_DISPATCHED", "project_id": "p1"}))
	assert.False(t, f.matches(map[string]string{"type": "JOB_COMPLETED"}))
	assert.False(t, f.matches(map[string]string{}))
	assert.False(t, f.matches(nil))
}

func TestFilter_MultipleAttributesAllMustMatch(t *testing.T) {
	f := Filter{"type": "CANCEL", "project_id": "p1"}

	assert.True(t, f.matches(map[string]string{"type": "CANCEL", "project_id": "p1"}))
	assert.False(t, f.matches(map[string]string{"type": "CANCEL", "project_id": "p2"}))
}

func TestFilter_NilMatchesEverything(t *testing.T) {
	var f Filter
	assert.True(t, f.matches(nil))
	assert.True(t, f.matches(map[string]string{"type": "anything"}))
}

func TestNewTopics_Namespacing(t *testing.T) {
	topics := NewTopics("studio-prod")

	assert.Equal(t, "studio-prod.video-commands", topics.Commands)
	assert.Equal(t, "studio-prod.job-events", topics.JobEvents)
	assert.Equal(t, "studio-prod.pipeline-events", topics.PipelineEvents)
	assert.Equal(t, "studio-prod.cancellations", topics.Cancellations)
	assert.Equal(t, []string{
		"studio-prod.video-commands",
		"studio-prod.job-events",
		"studio-prod.pipeline-events",
		"studio-prod.cancellations",
	}, topics.All())
}
