package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/service/ratelimiter"
	"github.com/fairyhunter13/datashelf/internal/service/signer"
)

// intakeMaxBody caps POST bodies at 1 MiB.
const intakeMaxBody = 1 << 20

// intakeLimiterKey is the rate-limit source key for the intake endpoint.
const intakeLimiterKey = "job-intake"

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// jobRequest is the intake body shape.
type jobRequest struct {
	Type      string         `json:"type" validate:"required,oneof=navigation category product"`
	TargetURL string         `json:"target_url" validate:"required,url"`
	Priority  int            `json:"priority" validate:"gte=0,lte=10"`
	Metadata  map[string]any `json:"metadata"`
}

type jobResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message"`
}

// Intake hosts the signed job-intake endpoints on the worker process.
type Intake struct {
	Queue       domain.JobQueue
	Verifier    *signer.Signer
	Limiter     *ratelimiter.SlidingWindow
	MaxAttempts int
}

// NewIntake constructs the intake server. A nil verifier disables signature
// checks (dev mode); a nil limiter disables intake throttling.
func NewIntake(queue domain.JobQueue, verifier *signer.Signer, limiter *ratelimiter.SlidingWindow, maxAttempts int) *Intake {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Intake{Queue: queue, Verifier: verifier, Limiter: limiter, MaxAttempts: maxAttempts}
}

// readSignedBody enforces the body cap and, when signing is enabled, verifies
// the request signature over the exact received bytes.
func (i *Intake) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, intakeMaxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errPayloadTooLarge
		}
		return nil, fmt.Errorf("op=intake.readSignedBody: %w", err)
	}
	if i.Verifier != nil {
		if err := i.Verifier.Verify(r.Method, r.URL.RequestURI(), r.Header, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

var errPayloadTooLarge = errors.New("payload too large")

func (i *Intake) writeIntakeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errPayloadTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{
			Error:     "PAYLOAD_TOO_LARGE",
			Message:   "request body exceeds 1 MiB",
			Code:      http.StatusRequestEntityTooLarge,
			Timestamp: time.Now().UTC(),
		})
		return
	}
	writeError(w, r, err)
}

// CreateJobHandler serves POST /jobs.
func (i *Intake) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := i.readSignedBody(w, r)
		if err != nil {
			i.writeIntakeError(w, r, err)
			return
		}
		if i.Limiter != nil {
			if !i.Limiter.Allowed(r.Context(), intakeLimiterKey) {
				writeError(w, r, fmt.Errorf("op=intake.CreateJob: %w", domain.ErrRateLimited))
				return
			}
			i.Limiter.Record(r.Context(), intakeLimiterKey)
		}

		var req jobRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}

		jobID, err := i.Queue.Enqueue(r.Context(), domain.JobType(req.Type), req.TargetURL, req.Priority, req.Metadata, i.MaxAttempts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		LoggerFrom(r).Info("job accepted",
			"job_id", jobID, "type", req.Type, "target_url", req.TargetURL, "priority", req.Priority)
		writeJSON(w, http.StatusAccepted, jobResponse{Success: true, JobID: jobID, Message: "job enqueued"})
	}
}

// RequeueJobHandler serves POST /jobs/{id}/requeue: the admin action that
// pushes a failed job back to queued while attempts remain.
func (i *Intake) RequeueJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := i.readSignedBody(w, r); err != nil {
			i.writeIntakeError(w, r, err)
			return
		}
		id, err := requireUUID("id", chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := i.Queue.Requeue(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{Success: true, JobID: id, Message: "job requeued"})
	}
}

// StatsHandler serves GET /stats: job counts by status.
func (i *Intake) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := i.readSignedBody(w, r); err != nil {
			i.writeIntakeError(w, r, err)
			return
		}
		stats, err := i.Queue.StatsByStatus(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": stats})
	}
}
