package domain

// CommandType enumerates external commands accepted on the commands topic.
type CommandType string

const (
	CmdStartPipeline       CommandType = "START_PIPELINE"
	CmdResumePipeline      CommandType = "RESUME_PIPELINE"
	CmdRegenerateScene     CommandType = "REGENERATE_SCENE"
	CmdRegenerateFrame     CommandType = "REGENERATE_FRAME"
	CmdUpdateSceneAsset    CommandType = "UPDATE_SCENE_ASSET"
	CmdResolveIntervention CommandType = "RESOLVE_INTERVENTION"
	CmdStopPipeline        CommandType = "STOP_PIPELINE"
	CmdRequestFullState    CommandType = "REQUEST_FULL_STATE"
)

// Intervention actions for CmdResolveIntervention.
const (
	InterventionRetry  = "retry"
	InterventionCancel = "cancel"
)

// Command is the wire shape consumed from the commands topic. Unknown types
// are rejected at the boundary; per-type required fields are enforced by
// validator tags plus Validate.
type Command struct {
	Type      CommandType `json:"type" validate:"required"`
	ProjectID string      `json:"projectId" validate:"required"`
	CommandID string      `json:"commandId,omitempty"`

	SceneID            string         `json:"sceneId,omitempty"`
	FrameType          string         `json:"frameType,omitempty" validate:"omitempty,oneof=start end"`
	PromptModification string         `json:"promptModification,omitempty"`
	AssetKey           string         `json:"assetKey,omitempty"`
	Version            int            `json:"version,omitempty"`
	JobID              string         `json:"jobId,omitempty"`
	Action             string         `json:"action,omitempty" validate:"omitempty,oneof=retry cancel"`
	RevisedParams      map[string]any `json:"revisedParams,omitempty"`
}

// Validate enforces the per-type required field matrix.
func (c Command) Validate() error {
	switch c.Type {
	case CmdStartPipeline:
		if c.CommandID == "" {
			return wrapCmdErr("commandId required")
		}
	case CmdResumePipeline, CmdStopPipeline, CmdRequestFullState:
		// projectId alone
	case CmdRegenerateScene:
		if c.SceneID == "" {
			return wrapCmdErr("sceneId required")
		}
	case CmdRegenerateFrame:
		if c.SceneID == "" || (c.FrameType != FrameStart && c.FrameType != FrameEnd) {
			return wrapCmdErr("sceneId and frameType required")
		}
	case CmdUpdateSceneAsset:
		if c.SceneID == "" || c.AssetKey == "" || c.Version < 1 {
			return wrapCmdErr("sceneId, assetKey and version required")
		}
	case CmdResolveIntervention:
		if c.JobID == "" || (c.Action != InterventionRetry && c.Action != InterventionCancel) {
			return wrapCmdErr("jobId and action required")
		}
	default:
		return wrapCmdErr("unknown command type " + string(c.Type))
	}
	return nil
}

func wrapCmdErr(msg string) error {
	return &CommandError{Msg: msg}
}

// CommandError marks a rejected command; it wraps ErrInvalidArgument so the
// handler can drop the message without retrying it.
type CommandError struct{ Msg string }

func (e *CommandError) Error() string { return "op=command.validate: " + e.Msg }
func (e *CommandError) Unwrap() error { return ErrInvalidArgument }
