package types

import (
	"encoding/json"
	"testing"
)

func TestParseGender(t *testing.T) {
	cases := map[string]Gender{
		"Man":    GenderMale,
		"male":   GenderMale,
		" M ":    GenderMale,
		"Woman":  GenderFemale,
		"FEMALE": GenderFemale,
		"f":      GenderFemale,
	}
	for in, want := range cases {
		got, err := ParseGender(in)
		if err != nil || got != want {
			t.Errorf("ParseGender(%q): expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := ParseGender("unknown"); err == nil {
		t.Error("Expected error for unknown label")
	}
}

func TestPointJSON(t *testing.T) {
	lm := Landmarks{"point_0": {X: 12, Y: 34}}
	b, err := json.Marshal(lm)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"point_0":[12,34]}` {
		t.Errorf("Unexpected encoding %s", b)
	}

	var back Landmarks
	if err := json.Unmarshal([]byte(`{"left_eye":[1,2],"nose":[3,4]}`), &back); err != nil {
		t.Fatal(err)
	}
	if back["nose"] != (Point{X: 3, Y: 4}) {
		t.Errorf("Expected nose [3,4], got %v", back["nose"])
	}
}

func TestSortByLocation(t *testing.T) {
	faces := []AgeGenderFace{
		{Loc: []int{0, 300, 50, 250}, Age: 3},
		{Loc: []int{100, 50, 150, 0}, Age: 2},
		{Loc: []int{0, 50, 50, 0}, Age: 1},
		{Loc: nil, Age: 4},
	}
	SortByLocation(faces, func(f AgeGenderFace) []int { return f.Loc })
	for i, f := range faces {
		if f.Age != i+1 {
			t.Fatalf("Expected face %d at position %d, got order %+v", i+1, i, faces)
		}
	}
}

func TestFaceRecordState(t *testing.T) {
	age, g := 34, GenderFemale
	r := &FaceRecord{Age: &age, Gender: &g, AgeGenderDone: true}
	if !r.HasFields(StageAgeGender) || r.HasFields(StageLandmarks) {
		t.Errorf("Unexpected field state %+v", r)
	}
	if r.Complete() || !r.Done(StageAgeGender) || r.Done(StageLandmarks) {
		t.Errorf("Unexpected flag state %+v", r)
	}
	r.Landmarks = LandmarksFromSlice([]Point{{X: 1, Y: 1}})
	r.LandmarksDone = true
	if !r.Complete() || !r.HasFields(StageLandmarks) {
		t.Errorf("Expected complete record, got %+v", r)
	}
}

func TestStageSibling(t *testing.T) {
	if StageAgeGender.Sibling() != StageLandmarks || StageLandmarks.Sibling() != StageAgeGender {
		t.Error("Sibling mapping broken")
	}
	if Stage("detector").Valid() {
		t.Error("Expected unknown stage to be invalid")
	}
}
