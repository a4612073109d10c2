// Package pipeline owns the command handler and the stage progression of a
// project: which jobs exist, in what order, and when the graph advances.
package pipeline

import (
	"fmt"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Unique-key derivation. Keys are stable per logical unit of work so that a
// replayed command or progression pass dedupes onto the same job row.

func keyExpand(projectID string) string     { return "expand:" + projectID }
func keyStoryboard(projectID string) string { return "storyboard:" + projectID }
func keyAudio(projectID string) string      { return "audio:" + projectID }
func keyEnhance(projectID string) string    { return "enhance:" + projectID }
func keyRules(projectID string) string      { return "rules:" + projectID }
func keyChars(projectID string) string      { return "chars:" + projectID }
func keyLocs(projectID string) string       { return "locs:" + projectID }
func keyRender(projectID string) string     { return "render:" + projectID }

func keyFrames(projectID, sceneID, frameType string) string {
	return fmt.Sprintf("frames:%s:%s:%s", projectID, sceneID, frameType)
}

// keyVideo carries a version suffix bumped on every forced regeneration, so
// a regenerated scene gets a fresh job instead of deduping onto the old one.
func keyVideo(projectID, sceneID string, n int) string {
	return fmt.Sprintf("video:%s:%s:v%d", projectID, sceneID, n)
}

func keyFrameRender(projectID, sceneID, frameType string, n int) string {
	return fmt.Sprintf("frame_render:%s:%s:%s:v%d", projectID, sceneID, frameType, n)
}

// videoVersion is 1 plus the number of forced regenerations recorded for the
// scene, so progression and REGENERATE_SCENE agree on the current key.
func videoVersion(p domain.Project, sceneID string) int {
	n := 1
	for _, id := range p.ForceRegenerateScenes {
		if id == sceneID {
			n++
		}
	}
	return n
}
