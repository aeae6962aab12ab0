package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/charmbracelet/log"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// mockWorker builds a worker whose data pipe already holds the given responses.
func mockWorker(id int, responses ...string) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(r)))
		dataPipeMock.WriteString(r)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: id, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestEstimateAgeGender(t *testing.T) {
	w, stdinMock := mockWorker(1, `{"faces":[{"loc":[10,40,50,5],"age":34,"gender":"Woman"}]}`)

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.EstimateAgeGender(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("EstimateAgeGender failed: %v", err)
	}

	// Verify the frame was sent with its length header
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if binary.BigEndian.Uint32(sentData[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Wrong length header: %X", sentData[:4])
	}

	if len(faces) != 1 || faces[0].Age != 34 || faces[0].Gender != "Woman" {
		t.Errorf("Unexpected faces: %+v", faces)
	}
}

func TestDetectLandmarks(t *testing.T) {
	w, _ := mockWorker(1, `{"faces":[{"loc":[0,10,10,0],"points":[[1,2],[3,4]]}]}`)

	faces, err := w.DetectLandmarks(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("DetectLandmarks failed: %v", err)
	}
	if len(faces) != 1 || len(faces[0].Points) != 2 || faces[0].Points[1] != (types.Point{X: 3, Y: 4}) {
		t.Errorf("Unexpected faces: %+v", faces)
	}
}

func TestWorkerErrors(t *testing.T) {
	w, _ := mockWorker(1, `{"error":"cannot identify image","kind":"decode"}`)
	if _, err := w.EstimateAgeGender(context.Background(), []byte("x")); !errors.Is(err, types.ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}

	w, _ = mockWorker(1, `{"error":"Import Error"}`)
	_, err := w.DetectLandmarks(context.Background(), []byte("x"))
	if err == nil || err.Error() != "engine error: Import Error" {
		t.Errorf("Expected engine error, got %v", err)
	}

	// Empty pipe: the process is gone
	w, _ = mockWorker(1)
	_, err = w.DetectLandmarks(context.Background(), []byte("x"))
	var crash *CrashError
	if !errors.As(err, &crash) || !errors.Is(err, io.EOF) {
		t.Errorf("Expected CrashError wrapping EOF, got %v", err)
	}
}

func TestPoolReplacesCrashedWorker(t *testing.T) {
	spawned := 0
	spawn := func(id int) (*PythonWorker, error) {
		spawned++
		if id == 0 {
			w, _ := mockWorker(id) // dies on first use
			return w, nil
		}
		w, _ := mockWorker(id, `{"faces":[{"loc":[0,1,1,0],"age":20,"gender":"Man"}]}`)
		return w, nil
	}

	pool, err := NewPool(1, spawn, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if _, err := pool.EstimateAgeGender(context.Background(), []byte("x")); err == nil {
		t.Fatal("Expected crash error from first worker")
	}
	faces, err := pool.EstimateAgeGender(context.Background(), []byte("x"))
	if err != nil || len(faces) != 1 {
		t.Fatalf("Expected replacement worker to answer, got %v (%v)", faces, err)
	}
	if spawned != 2 {
		t.Errorf("Expected 2 spawns, got %d", spawned)
	}
}

func TestPoolRespectsContext(t *testing.T) {
	pool, err := NewPool(1, func(id int) (*PythonWorker, error) {
		w, _ := mockWorker(id)
		return w, nil
	}, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	// Drain the only worker so the next borrow has to wait.
	w := <-pool.idle
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.DetectLandmarks(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestONNXInterpretAndPreprocess(t *testing.T) {
	meta := ONNXMetadata{
		OutputShape:   []int64{1, 3},
		ImageSize:     2,
		GenderClasses: []string{"female", "male"},
		AgeIndex:      2,
	}
	if err := meta.validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	age, gender := meta.Interpret([]float32{0.2, 0.8, 41.6})
	if age != 42 || gender != "male" {
		t.Errorf("Expected (42, male), got (%d, %s)", age, gender)
	}

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	data := Preprocess(img, 2)
	if len(data) != 12 {
		t.Fatalf("Expected 3x2x2 tensor, got %d values", len(data))
	}
	if data[0] < 0.99 || data[4] > 0.01 {
		t.Errorf("Expected red plane full and green empty, got %v", data)
	}

	bad := meta
	bad.AgeIndex = 3
	if err := bad.validate(); err == nil {
		t.Error("Expected validation error for out-of-range age index")
	}
}
