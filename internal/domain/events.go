package domain

// Job event types published on the job-events topic (the `type` attribute).
const (
	EventJobDispatched = "JOB_DISPATCHED"
	EventJobStarted    = "JOB_STARTED"
	EventJobCompleted  = "JOB_COMPLETED"
	EventJobFailed     = "JOB_FAILED"
)

// Pipeline event types published on the pipeline-events topic.
const (
	EventFullState     = "FULL_STATE"
	EventSceneUpdate   = "SCENE_UPDATE"
	EventSceneProgress = "SCENE_PROGRESS"
	EventLog           = "LOG"
)

// EventCancel is the single cancellation-topic message type.
const EventCancel = "CANCEL"

// JobEvent is the wire shape on the job-events topic.
type JobEvent struct {
	Type      string  `json:"type"`
	JobID     string  `json:"jobId"`
	ProjectID string  `json:"projectId,omitempty"`
	JobType   JobType `json:"jobType,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`
	// Error is truncated to 200 characters before publishing.
	Error string `json:"error,omitempty"`
}

// PipelineEvent is the wire shape on the pipeline-events topic, consumed by
// UIs. Exactly one of Project/Scene is set for state events.
type PipelineEvent struct {
	Type      string   `json:"type"`
	ProjectID string   `json:"projectId"`
	Project   *Project `json:"project,omitempty"`
	Scene     *Scene   `json:"scene,omitempty"`
	Progress  float64  `json:"progress,omitempty"`
	Level     string   `json:"level,omitempty"`
	Message   string   `json:"message,omitempty"`
	Context   string   `json:"context,omitempty"`
}

// CancelEvent is broadcast on the cancellations topic.
type CancelEvent struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Reason    string `json:"reason,omitempty"`
}

// TruncateError bounds error text for wire events and job rows.
func TruncateError(msg string) string {
	const max = 200
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
