// Package pose defines the keypoint model produced by an external pose
// estimator and the single-frame fall classifier that runs over it.
//
// Coordinates are pixels in the source frame with Y growing downward, so
// a standing person's nose has a smaller Y than their ankles.
package pose

import (
	"encoding/json"
	"fmt"
)

// KeypointName identifies one of the 17 COCO body landmarks.
type KeypointName string

const (
	Nose          KeypointName = "nose"
	LeftEye       KeypointName = "left_eye"
	RightEye      KeypointName = "right_eye"
	LeftEar       KeypointName = "left_ear"
	RightEar      KeypointName = "right_ear"
	LeftShoulder  KeypointName = "left_shoulder"
	RightShoulder KeypointName = "right_shoulder"
	LeftElbow     KeypointName = "left_elbow"
	RightElbow    KeypointName = "right_elbow"
	LeftWrist     KeypointName = "left_wrist"
	RightWrist    KeypointName = "right_wrist"
	LeftHip       KeypointName = "left_hip"
	RightHip      KeypointName = "right_hip"
	LeftKnee      KeypointName = "left_knee"
	RightKnee     KeypointName = "right_knee"
	LeftAnkle     KeypointName = "left_ankle"
	RightAnkle    KeypointName = "right_ankle"
)

// KeypointNames lists every landmark in estimator output order.
var KeypointNames = []KeypointName{
	Nose, LeftEye, RightEye, LeftEar, RightEar,
	LeftShoulder, RightShoulder, LeftElbow, RightElbow,
	LeftWrist, RightWrist, LeftHip, RightHip,
	LeftKnee, RightKnee, LeftAnkle, RightAnkle,
}

var knownNames = func() map[KeypointName]struct{} {
	m := make(map[KeypointName]struct{}, len(KeypointNames))
	for _, n := range KeypointNames {
		m[n] = struct{}{}
	}
	return m
}()

// ParseKeypointName validates s against the known landmark set.
func ParseKeypointName(s string) (KeypointName, error) {
	n := KeypointName(s)
	if _, ok := knownNames[n]; !ok {
		return "", fmt.Errorf("unknown keypoint name %q", s)
	}
	return n, nil
}

// Valid reports whether n is one of the 17 known landmarks.
func (n KeypointName) Valid() bool {
	_, ok := knownNames[n]
	return ok
}

// Keypoint is one landmark with its position and estimator confidence.
type Keypoint struct {
	Name  KeypointName `json:"name"`
	X     float64      `json:"x"`
	Y     float64      `json:"y"`
	Score float64      `json:"score"`
}

// UnmarshalJSON accepts the estimator's "part" alias for the name field.
func (k *Keypoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name  string  `json:"name"`
		Part  string  `json:"part"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	name := raw.Name
	if name == "" {
		name = raw.Part
	}
	*k = Keypoint{Name: KeypointName(name), X: raw.X, Y: raw.Y, Score: raw.Score}
	return nil
}

// Pose is the keypoint set for one detected person in one frame.
type Pose struct {
	Keypoints []Keypoint `json:"keypoints"`
	// Score is the estimator's whole-pose confidence, when it reports one.
	Score float64 `json:"score,omitempty"`
}

// Find returns the first keypoint with the given name.
func (p Pose) Find(name KeypointName) (Keypoint, bool) {
	for _, k := range p.Keypoints {
		if k.Name == name {
			return k, true
		}
	}
	return Keypoint{}, false
}
