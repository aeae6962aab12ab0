package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// maxFrameBytes bounds a single request body (base64 inflates frames by 4/3).
const maxFrameBytes = 64 << 20

// Processor is what a stage service exposes over the wire.
type Processor interface {
	ProcessFace(ctx context.Context, frame []byte, key string) (bool, error)
}

// Merger is the sink backend behind the storage service.
type Merger interface {
	MergeAgeGender(ctx context.Context, key string, age int, gender types.Gender) error
	MergeLandmarks(ctx context.Context, key string, landmarks types.Landmarks) error
}

// HealthFunc reports whether the service's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

type handler struct {
	logger *log.Logger
	health HealthFunc
	sem    chan struct{}
}

// NewStageHandler serves ProcessFace with at most workers requests in flight.
func NewStageHandler(p Processor, health HealthFunc, workers int, logger *log.Logger) http.Handler {
	if workers < 1 {
		workers = 1
	}
	h := &handler{logger: logger, health: health, sem: make(chan struct{}, workers)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, h.healthz)
	mux.HandleFunc("POST "+PathProcess, func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		if !h.decode(w, r, &req) {
			return
		}
		if req.Key == "" {
			writeJSON(w, http.StatusBadRequest, ProcessResponse{Error: "key is required"})
			return
		}

		select {
		case h.sem <- struct{}{}:
			defer func() { <-h.sem }()
		case <-r.Context().Done():
			return
		}

		h.logger.Debug("process request", "key", req.Key, "size", humanize.Bytes(uint64(len(req.Frame))))
		ok, err := p.ProcessFace(r.Context(), req.Frame, req.Key)
		resp := ProcessResponse{Accepted: ok}
		if err != nil {
			resp.Error = err.Error()
			if errors.Is(err, types.ErrInvalidKey) {
				writeJSON(w, http.StatusBadRequest, resp)
				return
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return h.wrap(mux)
}

// NewSinkHandler serves the storage contract.
func NewSinkHandler(m Merger, health HealthFunc, logger *log.Logger) http.Handler {
	h := &handler{logger: logger, health: health}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, h.healthz)
	mux.HandleFunc("POST "+PathAgeGender, func(w http.ResponseWriter, r *http.Request) {
		var req AgeGenderRequest
		if !h.decode(w, r, &req) {
			return
		}
		gender, err := types.ParseGender(req.Gender)
		if err != nil || req.Key == "" || req.Age < 0 {
			writeJSON(w, http.StatusBadRequest, AckResponse{Error: "invalid age/gender record"})
			return
		}
		h.ack(w, req.Key, m.MergeAgeGender(r.Context(), req.Key, req.Age, gender))
	})
	mux.HandleFunc("POST "+PathLandmarks, func(w http.ResponseWriter, r *http.Request) {
		var req LandmarksRequest
		if !h.decode(w, r, &req) {
			return
		}
		if req.Key == "" || req.Landmarks == nil {
			writeJSON(w, http.StatusBadRequest, AckResponse{Error: "invalid landmarks record"})
			return
		}
		h.ack(w, req.Key, m.MergeLandmarks(r.Context(), req.Key, req.Landmarks))
	})
	return h.wrap(mux)
}

func (h *handler) ack(w http.ResponseWriter, key string, err error) {
	if err != nil {
		h.logger.Error("merge failed", "key", key, "err", err)
		writeJSON(w, http.StatusInternalServerError, AckResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Ack: true})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json: " + err.Error()})
		return false
	}
	return true
}

// wrap tags every request with an ID and logs its outcome.
func (h *handler) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(WithRequestID(r.Context(), id)))
		h.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start), "request_id", id)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// WithRequestID attaches a request ID that outgoing client calls propagate.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return uuid.NewString()
}
