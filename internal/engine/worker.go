package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/andresmejia3/facemerge/internal/utils"
)

// PythonWorker drives one long-lived inference process. Requests and responses
// are length-prefixed; responses come back on a dedicated pipe (FD 3) so engine
// logging on stdout/stderr cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// workerResponse is the JSON body an engine writes for every request.
type workerResponse[T any] struct {
	Faces []T `json:"faces"`
	types.ErrorResult
}

// NewPythonWorker starts `python -u script args...` with the FD 3 side channel.
func NewPythonWorker(id int, python, script string, args ...string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(python, append([]string{"-u", script}, args...)...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one frame and returns the raw response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an engine that died on import
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func (w *PythonWorker) EstimateAgeGender(_ context.Context, frame []byte) ([]types.AgeGenderFace, error) {
	return request[types.AgeGenderFace](w, frame)
}

func (w *PythonWorker) DetectLandmarks(_ context.Context, frame []byte) ([]types.LandmarkFace, error) {
	return request[types.LandmarkFace](w, frame)
}

func request[T any](w *PythonWorker, frame []byte) ([]T, error) {
	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, &CrashError{WorkerID: w.ID, Err: err}
	}

	var out workerResponse[T]
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("worker %d returned malformed JSON: %w", w.ID, err)
	}
	if out.Error != "" {
		if out.Kind == "decode" {
			return nil, fmt.Errorf("%w: %s", types.ErrDecode, out.Error)
		}
		return nil, fmt.Errorf("engine error: %s", out.Error)
	}
	return out.Faces, nil
}

// Logs returns whatever the engine wrote to stderr so far.
func (w *PythonWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// CrashError means the worker process stopped answering and must be replaced.
type CrashError struct {
	WorkerID int
	Err      error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker %d crashed: %v", e.WorkerID, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }
