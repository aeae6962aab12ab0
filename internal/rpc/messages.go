package rpc

import "github.com/andresmejia3/facemerge/internal/types"

const (
	PathProcess   = "/v1/process"
	PathAgeGender = "/v1/age-gender"
	PathLandmarks = "/v1/landmarks"
	PathHealth    = "/healthz"

	headerRequestID = "X-Request-ID"
)

// ProcessRequest carries a frame to a stage. Frame is base64 on the wire.
type ProcessRequest struct {
	Time  string `json:"time,omitempty"`
	Frame []byte `json:"frame"`
	Key   string `json:"key"`
}

// ProcessResponse acknowledges acceptance, not completion of the pipeline.
type ProcessResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type AgeGenderRequest struct {
	Key    string `json:"key"`
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

type LandmarksRequest struct {
	Key       string          `json:"key"`
	Landmarks types.Landmarks `json:"landmarks"`
}

type AckResponse struct {
	Ack   bool   `json:"ack"`
	Error string `json:"error,omitempty"`
}
