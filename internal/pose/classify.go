package pose

import "math"

const (
	// MinKeypointScore is the confidence below which a keypoint's
	// position is not used.
	MinKeypointScore = 0.3

	// ProximityRatio is the fraction of frame height under which the
	// nose-to-ankle gap counts as a horizontal posture.
	ProximityRatio = 0.15
)

// Rule names the condition that produced a positive verdict.
type Rule string

const (
	RuleNone             Rule = ""
	RuleInsufficient     Rule = "insufficient_evidence"
	RuleHeadBelowAnkles  Rule = "head_below_ankles"
	RuleHorizontal       Rule = "horizontal_posture"
	RuleShouldersOnFloor Rule = "shoulders_at_ankle_level"
)

// Verdict is the classifier result with the quantities it was derived from.
type Verdict struct {
	Fall             bool    `json:"fall"`
	Rule             Rule    `json:"rule,omitempty"`
	VerticalDistance float64 `json:"verticalDistance"`
	ShoulderMidY     float64 `json:"shoulderMidY"`
	// Confidence is the lowest score among the required keypoints.
	Confidence float64 `json:"confidence"`
}

var requiredKeypoints = []KeypointName{Nose, LeftAnkle, RightAnkle, LeftShoulder, RightShoulder}

// Classify reports whether p looks like a fallen person in a frame of the
// given height. A missing or low-confidence required keypoint yields false.
func Classify(p Pose, frameHeight float64) bool {
	return Evaluate(p, frameHeight).Fall
}

// Evaluate runs the fall heuristic and reports which rule fired.
func Evaluate(p Pose, frameHeight float64) Verdict {
	pts := make(map[KeypointName]Keypoint, len(requiredKeypoints))
	minScore := 1.0
	for _, name := range requiredKeypoints {
		k, ok := p.Find(name)
		if !ok || k.Score < MinKeypointScore {
			return Verdict{Rule: RuleInsufficient}
		}
		pts[name] = k
		minScore = math.Min(minScore, k.Score)
	}

	nose := pts[Nose]
	leftAnkle, rightAnkle := pts[LeftAnkle], pts[RightAnkle]

	v := Verdict{
		VerticalDistance: math.Min(leftAnkle.Y-nose.Y, rightAnkle.Y-nose.Y),
		ShoulderMidY:     (pts[LeftShoulder].Y + pts[RightShoulder].Y) / 2,
		Confidence:       minScore,
	}

	switch {
	case v.VerticalDistance <= 0:
		v.Rule = RuleHeadBelowAnkles
	case math.Abs(v.VerticalDistance) < ProximityRatio*frameHeight:
		v.Rule = RuleHorizontal
	case v.ShoulderMidY >= leftAnkle.Y || v.ShoulderMidY >= rightAnkle.Y:
		v.Rule = RuleShouldersOnFloor
	default:
		return v
	}
	v.Fall = true
	return v
}
