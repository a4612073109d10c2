package pipeline

import (
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Unit is one job a stage needs. UniqueKey makes creation replay-safe.
type Unit struct {
	Type      domain.JobType
	UniqueKey string
	AssetKey  string
	Payload   domain.JobPayload
}

// Stage is a barrier: every unit must reach COMPLETED before the next stage
// dispatches.
type Stage struct {
	Name  string
	Units []Unit
}

// BuildStages derives the full ordered stage list for a project. Fan-out
// stages hold one unit per scene in index order. Audio projects derive
// scenes from the audio track instead of a generated storyboard.
func BuildStages(p domain.Project) []Stage {
	stages := []Stage{
		{Name: "expand", Units: []Unit{{
			Type:      domain.JobExpandCreativePrompt,
			UniqueKey: keyExpand(p.ID),
		}}},
	}

	if p.Metadata.HasAudio {
		stages = append(stages, Stage{Name: "audio", Units: []Unit{{
			Type:      domain.JobProcessAudioToScenes,
			UniqueKey: keyAudio(p.ID),
			AssetKey:  domain.AssetAudioAnalysis,
		}}})
	} else {
		stages = append(stages, Stage{Name: "storyboard", Units: []Unit{{
			Type:      domain.JobGenerateStoryboard,
			UniqueKey: keyStoryboard(p.ID),
			AssetKey:  domain.AssetStoryboard,
		}}})
	}

	stages = append(stages,
		Stage{Name: "enhance", Units: []Unit{{
			Type:      domain.JobEnhanceStoryboard,
			UniqueKey: keyEnhance(p.ID),
		}}},
		Stage{Name: "semantic", Units: []Unit{{
			Type:      domain.JobSemanticAnalysis,
			UniqueKey: keyRules(p.ID),
		}}},
		Stage{Name: "characters", Units: []Unit{{
			Type:      domain.JobGenerateCharacters,
			UniqueKey: keyChars(p.ID),
			AssetKey:  domain.AssetCharacterImage,
		}}},
		Stage{Name: "locations", Units: []Unit{{
			Type:      domain.JobGenerateLocations,
			UniqueKey: keyLocs(p.ID),
			AssetKey:  domain.AssetLocationImage,
		}}},
	)

	startFrames := Stage{Name: "frames_start"}
	endFrames := Stage{Name: "frames_end"}
	videos := Stage{Name: "videos"}
	for _, sc := range p.Scenes {
		startFrames.Units = append(startFrames.Units, Unit{
			Type:      domain.JobGenerateSceneFrames,
			UniqueKey: keyFrames(p.ID, sc.ID, domain.FrameStart),
			AssetKey:  domain.AssetSceneStartFrame,
			Payload:   domain.JobPayload{SceneID: sc.ID, SceneIndex: sc.Index, FrameType: domain.FrameStart},
		})
		endFrames.Units = append(endFrames.Units, Unit{
			Type:      domain.JobGenerateSceneFrames,
			UniqueKey: keyFrames(p.ID, sc.ID, domain.FrameEnd),
			AssetKey:  domain.AssetSceneEndFrame,
			Payload:   domain.JobPayload{SceneID: sc.ID, SceneIndex: sc.Index, FrameType: domain.FrameEnd},
		})
		v := videoVersion(p, sc.ID)
		videos.Units = append(videos.Units, Unit{
			Type:      domain.JobGenerateSceneVideo,
			UniqueKey: keyVideo(p.ID, sc.ID, v),
			AssetKey:  domain.AssetSceneVideo,
			Payload:   domain.JobPayload{SceneID: sc.ID, SceneIndex: sc.Index, Version: v},
		})
	}
	stages = append(stages, startFrames, endFrames, videos,
		Stage{Name: "render", Units: []Unit{{
			Type:      domain.JobRenderVideo,
			UniqueKey: keyRender(p.ID),
			AssetKey:  domain.AssetRenderVideo,
		}}},
	)
	return stages
}

// Progress is the outcome of evaluating the stage list against the jobs.
type Progress int

const (
	// ProgressDispatch: Next holds a stage with unfinished units to create
	// or re-dispatch.
	ProgressDispatch Progress = iota
	// ProgressWaiting: the current stage has all units created and none
	// fatal; nothing to do until more completions arrive.
	ProgressWaiting
	// ProgressFatal: a unit of the current stage is FATAL; the project
	// enters error and waits for an intervention.
	ProgressFatal
	// ProgressDone: every stage completed.
	ProgressDone
)

// Evaluate walks the stages in order against the project's jobs and returns
// the first stage that is not fully COMPLETED. Units without a job row yet
// need dispatch; a FATAL unit halts the pipeline.
func Evaluate(stages []Stage, jobs []domain.Job) (Progress, *Stage) {
	byKey := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		byKey[j.UniqueKey] = j
	}
	for i := range stages {
		st := &stages[i]
		completed := 0
		missing := 0
		fatal := false
		for _, u := range st.Units {
			j, ok := byKey[u.UniqueKey]
			switch {
			case !ok:
				missing++
			case j.State == domain.JobCompleted:
				completed++
			case j.State == domain.JobFatal:
				fatal = true
			}
		}
		if completed == len(st.Units) {
			continue
		}
		if fatal {
			return ProgressFatal, st
		}
		if missing > 0 {
			return ProgressDispatch, st
		}
		return ProgressWaiting, st
	}
	return ProgressDone, nil
}

// StageProgress is the completed fraction across all stage units, for the
// UI progress event.
func StageProgress(stages []Stage, jobs []domain.Job) float64 {
	byKey := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		byKey[j.UniqueKey] = j
	}
	total, done := 0, 0
	for _, st := range stages {
		for _, u := range st.Units {
			total++
			if j, ok := byKey[u.UniqueKey]; ok && j.State == domain.JobCompleted {
				done++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}
