package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stage identifies one of the two analysis services.
type Stage string

const (
	StageAgeGender Stage = "age_gender"
	StageLandmarks Stage = "landmarks"
)

// Sibling returns the other stage.
func (s Stage) Sibling() Stage {
	if s == StageAgeGender {
		return StageLandmarks
	}
	return StageAgeGender
}

func (s Stage) Valid() bool {
	return s == StageAgeGender || s == StageLandmarks
}

// Gender is the binary label produced by the age/gender engine.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// ParseGender accepts the labels engines tend to emit ("Man", "Woman", "M", ...)
// and normalizes them.
func ParseGender(s string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "man", "m":
		return GenderMale, nil
	case "female", "woman", "f":
		return GenderFemale, nil
	}
	return "", fmt.Errorf("unknown gender label %q", s)
}

// Point is a pixel coordinate. It serializes as [x, y].
type Point struct {
	X int
	Y int
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(b []byte) error {
	var xy [2]int
	if err := json.Unmarshal(b, &xy); err != nil {
		return err
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Landmarks maps a point name ("point_0", "point_1", ...) to its coordinate.
type Landmarks map[string]Point

// LandmarksFromSlice names points by their index in the detector output.
func LandmarksFromSlice(pts []Point) Landmarks {
	lm := make(Landmarks, len(pts))
	for i, p := range pts {
		lm[fmt.Sprintf("point_%d", i)] = p
	}
	return lm
}

// FrameTask is a single image handed to the dispatcher pool.
type FrameTask struct {
	Name string
	Hash string
	Data []byte
}

// AgeGenderFace is one detection returned by the age/gender engine.
type AgeGenderFace struct {
	Loc    []int  `json:"loc"` // [top, right, bottom, left]
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

// LandmarkFace is one detection returned by the landmark engine.
type LandmarkFace struct {
	Loc    []int   `json:"loc"` // [top, right, bottom, left]
	Points []Point `json:"points"`
}

// ErrorResult captures the error object returned by a worker process on failure.
// Kind is "decode" for unreadable images.
type ErrorResult struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// SortByLocation orders detections left-to-right, then top-to-bottom, so both
// stages number the same face identically regardless of engine output order.
func SortByLocation[T any](faces []T, loc func(T) []int) {
	sort.SliceStable(faces, func(i, j int) bool {
		a, b := loc(faces[i]), loc(faces[j])
		if len(a) < 4 || len(b) < 4 {
			return len(a) > len(b)
		}
		if a[3] != b[3] {
			return a[3] < b[3]
		}
		return a[0] < b[0]
	})
}

// FaceRecord aggregates one face's attributes across both stages.
type FaceRecord struct {
	Key           string    `json:"key"`
	Age           *int      `json:"age,omitempty"`
	Gender        *Gender   `json:"gender,omitempty"`
	Landmarks     Landmarks `json:"landmarks,omitempty"`
	AgeGenderDone bool      `json:"age_gender_done"`
	LandmarksDone bool      `json:"landmarks_done"`
	Forwarded     bool      `json:"forwarded"`
}

// Complete reports whether both stages have set their completion flag.
func (r *FaceRecord) Complete() bool {
	return r.AgeGenderDone && r.LandmarksDone
}

// HasFields reports whether the stage's own attributes are present.
func (r *FaceRecord) HasFields(s Stage) bool {
	switch s {
	case StageAgeGender:
		return r.Age != nil && r.Gender != nil
	case StageLandmarks:
		return r.Landmarks != nil
	}
	return false
}

// Done reports the completion flag of the given stage.
func (r *FaceRecord) Done(s Stage) bool {
	if s == StageAgeGender {
		return r.AgeGenderDone
	}
	return r.LandmarksDone
}

// ImageRecord is the aggregate entry kept at the bare content hash.
type ImageRecord struct {
	Faces      int       `json:"faces"`
	DetectedBy Stage     `json:"detected_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// StoredRecord is one persisted face in the storage sink.
type StoredRecord struct {
	Key       string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Analysis  Analysis  `json:"face_analysis"`
}

// Analysis is the nested attribute object of a persisted face.
type Analysis struct {
	Age       *int      `json:"age,omitempty"`
	Gender    *Gender   `json:"gender,omitempty"`
	Landmarks Landmarks `json:"landmarks,omitempty"`
}
