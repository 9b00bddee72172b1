package entities

import "fmt"

// Stage is a state of the compositing pipeline.
type Stage string

const (
	StageReceived       Stage = "Received"
	StageNormalizing    Stage = "Normalizing"
	StagePoseEstimating Stage = "PoseEstimating"
	StageWarping        Stage = "Warping"
	StageBlending       Stage = "Blending"
	StagePostProcessing Stage = "PostProcessing"
	StageDone           Stage = "Done"
	StageFailed         Stage = "Failed"
)

// PipelineStages lists the working stages in execution order.
var PipelineStages = []Stage{
	StageNormalizing,
	StagePoseEstimating,
	StageWarping,
	StageBlending,
	StagePostProcessing,
}

var transitions = map[Stage][]Stage{
	StageReceived:       {StageNormalizing, StageDone},
	StageNormalizing:    {StagePoseEstimating},
	StagePoseEstimating: {StageWarping},
	StageWarping:        {StageBlending},
	StageBlending:       {StagePostProcessing},
	StagePostProcessing: {StageDone},
}

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// CanTransition reports whether from → to is a legal edge. Failed is
// reachable from every non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StageObserver is notified each time a request enters a stage.
type StageObserver func(stage Stage)

// StageMachine tracks one request's position in the pipeline.
type StageMachine struct {
	current Stage
	history []Stage
}

func NewStageMachine() *StageMachine {
	return &StageMachine{current: StageReceived, history: []Stage{StageReceived}}
}

func (m *StageMachine) Current() Stage {
	return m.current
}

// History returns every stage entered so far, in order.
func (m *StageMachine) History() []Stage {
	out := make([]Stage, len(m.history))
	copy(out, m.history)
	return out
}

func (m *StageMachine) Advance(to Stage) error {
	if !CanTransition(m.current, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", m.current, to)
	}
	m.current = to
	m.history = append(m.history, to)
	return nil
}
