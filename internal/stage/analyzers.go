package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/andresmejia3/facemerge/internal/engine"
	"github.com/andresmejia3/facemerge/internal/types"
)

// Fields is one face's contribution from a single stage, as cache hash fields.
type Fields map[string]string

// Analyzer is the stage-specific half of the protocol: it runs inference and
// returns one field set per detected face, in a stable detection order.
type Analyzer interface {
	Stage() types.Stage
	Analyze(ctx context.Context, frame []byte) ([]Fields, error)
}

// AgeGender is Stage A.
type AgeGender struct {
	Engine engine.AgeGenderEngine
}

func (AgeGender) Stage() types.Stage { return types.StageAgeGender }

func (a AgeGender) Analyze(ctx context.Context, frame []byte) ([]Fields, error) {
	faces, err := a.Engine.EstimateAgeGender(ctx, frame)
	if err != nil {
		return nil, err
	}
	types.SortByLocation(faces, func(f types.AgeGenderFace) []int { return f.Loc })

	out := make([]Fields, 0, len(faces))
	for i, f := range faces {
		gender, err := types.ParseGender(f.Gender)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i+1, err)
		}
		if f.Age < 0 {
			return nil, fmt.Errorf("face %d: negative age %d", i+1, f.Age)
		}
		out = append(out, Fields{"age": strconv.Itoa(f.Age), "gender": string(gender)})
	}
	return out, nil
}

// Landmarks is Stage B.
type Landmarks struct {
	Engine engine.LandmarkEngine
}

func (Landmarks) Stage() types.Stage { return types.StageLandmarks }

func (l Landmarks) Analyze(ctx context.Context, frame []byte) ([]Fields, error) {
	faces, err := l.Engine.DetectLandmarks(ctx, frame)
	if err != nil {
		return nil, err
	}
	types.SortByLocation(faces, func(f types.LandmarkFace) []int { return f.Loc })

	out := make([]Fields, 0, len(faces))
	for _, f := range faces {
		js, err := json.Marshal(types.LandmarksFromSlice(f.Points))
		if err != nil {
			return nil, err
		}
		out = append(out, Fields{"landmarks": string(js)})
	}
	return out, nil
}
