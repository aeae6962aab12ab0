package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/facemerge/internal/types"
)

// StageClient calls a stage service.
type StageClient struct {
	base string
	http *http.Client
}

func NewStageClient(baseURL string, timeout time.Duration) *StageClient {
	return &StageClient{base: normalizeBase(baseURL), http: &http.Client{Timeout: timeout}}
}

// ProcessFace submits a frame and reports whether the stage accepted it.
func (c *StageClient) ProcessFace(ctx context.Context, frame []byte, key string) (bool, error) {
	var resp ProcessResponse
	req := ProcessRequest{Time: time.Now().Format(time.RFC3339), Frame: frame, Key: key}
	if err := postJSON(ctx, c.http, c.base+PathProcess, req, &resp); err != nil {
		return false, err
	}
	if !resp.Accepted && resp.Error != "" {
		return false, fmt.Errorf("stage rejected %s: %s", key, resp.Error)
	}
	return resp.Accepted, nil
}

// SinkClient calls the storage service.
type SinkClient struct {
	base string
	http *http.Client
}

func NewSinkClient(baseURL string, timeout time.Duration) *SinkClient {
	return &SinkClient{base: normalizeBase(baseURL), http: &http.Client{Timeout: timeout}}
}

func (c *SinkClient) MergeAgeGender(ctx context.Context, key string, age int, gender types.Gender) error {
	var resp AckResponse
	if err := postJSON(ctx, c.http, c.base+PathAgeGender, AgeGenderRequest{Key: key, Age: age, Gender: string(gender)}, &resp); err != nil {
		return err
	}
	return ackErr(key, resp)
}

func (c *SinkClient) MergeLandmarks(ctx context.Context, key string, landmarks types.Landmarks) error {
	var resp AckResponse
	if err := postJSON(ctx, c.http, c.base+PathLandmarks, LandmarksRequest{Key: key, Landmarks: landmarks}, &resp); err != nil {
		return err
	}
	return ackErr(key, resp)
}

func ackErr(key string, resp AckResponse) error {
	if !resp.Ack {
		return fmt.Errorf("sink did not acknowledge %s: %s", key, resp.Error)
	}
	return nil
}

// StatusError is a non-2xx answer. 4xx answers are not worth retrying.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

func postJSON(ctx context.Context, hc *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRequestID, requestID(ctx))

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return json.Unmarshal(b, out)
}

func normalizeBase(u string) string {
	u = strings.TrimRight(u, "/")
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return u
}
