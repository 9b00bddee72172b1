package entities

import (
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
)

// PoseResult is the raw output of the pose stage: every body the estimator
// found, tagged with the model version that produced them.
type PoseResult struct {
	ModelVersion string
	Candidates   []PoseCandidate
}

type PoseSelectionPolicy struct {
	// PersonThreshold is the confidence at which a second, distinct candidate
	// counts as another person in the frame.
	PersonThreshold float64
	// SamePersonIoU is the box overlap above which two candidates are treated
	// as duplicate detections of one body.
	SamePersonIoU float64
}

func DefaultPoseSelectionPolicy() PoseSelectionPolicy {
	return PoseSelectionPolicy{PersonThreshold: 0.5, SamePersonIoU: 0.6}
}

// SelectPose picks the single person to dress. Inputs with no body or with
// more than one confident, non-overlapping body are rejected.
func SelectPose(candidates []PoseCandidate, policy PoseSelectionPolicy) (PoseCandidate, error) {
	if len(candidates) == 0 {
		return PoseCandidate{}, failures.New(failures.InvalidAsset, "no person detected in body image")
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Confidence > candidates[best].Confidence {
			best = i
		}
	}

	for i, c := range candidates {
		if i == best {
			continue
		}
		if c.Box.IoU(candidates[best].Box) >= policy.SamePersonIoU {
			continue
		}
		if c.Confidence >= policy.PersonThreshold {
			return PoseCandidate{}, failures.New(failures.InvalidAsset,
				"multiple people detected in body image (%.2f and %.2f)", candidates[best].Confidence, c.Confidence)
		}
	}

	return candidates[best], nil
}
