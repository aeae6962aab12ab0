package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andresmejia3/facemerge/internal/cache"
	"github.com/andresmejia3/facemerge/internal/dispatch"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/redis/go-redis/v9"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		got := confirm(io.Discard, bufio.NewReader(strings.NewReader(tt.input)), "sure?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, []dispatch.Result{
		{Name: "a.jpg", Hash: "0123456789abcdef", AgeGender: true, Landmarks: false},
	})
	out := buf.String()
	if !strings.Contains(out, "0123456789ab ") || !strings.Contains(out, "accepted") || !strings.Contains(out, "rejected") {
		t.Errorf("Unexpected output:\n%s", out)
	}
}

func TestLoadView(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.PutImage(ctx, "h1", types.ImageRecord{Faces: 2, DetectedBy: types.StageAgeGender, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	c.WriteStage(ctx, "h1_face1", types.StageAgeGender, map[string]string{"age": "34", "gender": "female"})
	c.WriteStage(ctx, "h1_face2", types.StageAgeGender, map[string]string{"age": "60", "gender": "male"})

	view, err := loadView(ctx, c, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Image.Faces != 2 || len(view.Faces) != 2 {
		t.Errorf("Expected 2 faces, got %+v", view)
	}

	view, err = loadView(ctx, c, "h1_face2")
	if err != nil || len(view.Faces) != 1 || *view.Faces[0].Age != 60 {
		t.Errorf("Expected face 2 only, got %+v (%v)", view, err)
	}

	var buf bytes.Buffer
	printView(&buf, view)
	if !strings.Contains(buf.String(), "h1_face2") {
		t.Errorf("Expected face key in output:\n%s", buf.String())
	}

	if _, err := loadView(ctx, c, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := loadView(ctx, c, "bad key!"); !errors.Is(err, types.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
}

func TestPrintRecordsEmpty(t *testing.T) {
	var buf bytes.Buffer
	printRecords(&buf, nil)
	if !strings.Contains(buf.String(), "No faces found") {
		t.Errorf("Unexpected output %q", buf.String())
	}
}
