package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chorus/internal/assemble"
	"chorus/internal/jobs"
	"chorus/internal/logging"
	"chorus/internal/media"
	"chorus/internal/services"
)

type submitRequest struct {
	RecordingID   string             `json:"recording_id"`
	AudioURL      string             `json:"audio_url"`
	CallbackURL   string             `json:"callback_url"`
	Stages        []string           `json:"stages"`
	WebhookSecret string             `json:"webhook_secret"`
	Voiceprints   []media.Voiceprint `json:"voiceprints"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type syncTimeoutResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type voiceprintResponse struct {
	Voiceprint string `json:"voiceprint"`
}

type jobView struct {
	JobID           string             `json:"job_id"`
	RecordingID     string             `json:"recording_id"`
	Status          string             `json:"status"`
	Stage           string             `json:"stage,omitempty"`
	Stages          []string           `json:"stages"`
	StageOutputs    media.StageOutputs `json:"stage_outputs"`
	Error           *jobs.JobError     `json:"error,omitempty"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func viewOf(job *jobs.Job) jobView {
	return jobView{
		JobID:           job.ID,
		RecordingID:     job.RecordingID,
		Status:          string(job.Status),
		Stage:           string(job.Stage),
		Stages:          media.StageStrings(job.Stages),
		StageOutputs:    job.Outputs,
		Error:           job.Err,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

// toSpec applies server defaults for stage selection and webhook signing.
func (s *Server) toSpec(req submitRequest) jobs.Spec {
	stages := req.Stages
	if len(stages) == 0 {
		stages = s.defaultStages
	}
	secret := req.WebhookSecret
	if secret == "" {
		secret = s.defaultSecret
	}
	return jobs.Spec{
		RecordingID:   req.RecordingID,
		AudioURL:      req.AudioURL,
		Stages:        stages,
		CallbackURL:   req.CallbackURL,
		WebhookSecret: secret,
		Voiceprints:   req.Voiceprints,
	}
}

func (s *Server) decodeSubmit(w http.ResponseWriter, r *http.Request) (submitRequest, bool) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err), "InvalidSpec")
		return submitRequest{}, false
	}
	return req, true
}

func (s *Server) handleDiarize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	job, err := s.scheduler.Submit(r.Context(), s.toSpec(req))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *Server) handleDiarizeSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	job, err := s.scheduler.Submit(r.Context(), s.toSpec(req))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	done, finished, err := s.scheduler.Wait(r.Context(), job.ID, s.syncTimeout)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !finished {
		s.writeJSON(w, http.StatusGatewayTimeout, syncTimeoutResponse{
			Error:  fmt.Sprintf("job did not finish within %s; poll /jobs/%s", s.syncTimeout, done.ID),
			Kind:   "Timeout",
			JobID:  done.ID,
			Status: string(done.Status),
		})
		return
	}

	switch done.Status {
	case jobs.StatusSucceeded:
		result, err := assemble.Assemble(done)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	case jobs.StatusCancelled:
		s.writeError(w, http.StatusConflict, "job cancelled", "Conflict")
	default:
		kind := "StageFailed"
		message := "job failed"
		if done.Err != nil {
			kind = done.Err.Kind
			message = done.Err.Message
		}
		s.writeError(w, statusForKind(kind), message, kind)
	}
}

// handleIdentify is diarization with caller voiceprints: detected speakers
// are relabeled to matching voiceprint labels before downstream stages.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}
	req, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}
	if len(req.Voiceprints) == 0 {
		s.writeError(w, http.StatusBadRequest, "identify requires at least one voiceprint", "InvalidSpec")
		return
	}
	job, err := s.scheduler.Submit(r.Context(), s.toSpec(req))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: string(job.Status)})
}

// handleVoiceprint enrolls a short audio sample. Stateless: the blob goes
// back to the caller, nothing is stored.
func (s *Server) handleVoiceprint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}
	if s.matcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no matcher sidecar configured", "MissingDependency")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceprintUpload)
	file, _, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("audio form file: %v", err), "InvalidSpec")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("read audio: %v", err), "InvalidSpec")
		return
	}
	if len(audio) == 0 {
		s.writeError(w, http.StatusBadRequest, "audio sample is empty", "InvalidSpec")
		return
	}

	blob, err := s.matcher.Voiceprint(r.Context(), audio)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, voiceprintResponse{Voiceprint: blob})
}

type jobListResponse struct {
	Jobs []jobView `json:"jobs"`
}

// handleJobList returns jobs ordered by creation time, optionally filtered
// by status query parameters.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}

	var statuses []jobs.Status
	for _, value := range r.URL.Query()["status"] {
		parsed, ok := jobs.ParseStatus(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value), "InvalidSpec")
			return
		}
		statuses = append(statuses, parsed)
	}

	list, err := s.store.List(r.Context(), statuses...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, viewOf(job))
	}
	s.writeJSON(w, http.StatusOK, jobListResponse{Jobs: views})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	rest := trimPathSegment(r.URL.Path, "/jobs/")
	if rest == "" {
		s.handleJobList(w, r)
		return
	}

	if id, found := strings.CutSuffix(rest, "/cancel"); found {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
			return
		}
		s.handleCancel(w, r, strings.Trim(id, "/"))
		return
	}

	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}
	if strings.Contains(rest, "/") {
		s.writeError(w, http.StatusNotFound, "job not found", "NotFound")
		return
	}
	s.handleJobStatus(w, r, rest)
}

// handleJobStatus resolves by job id first, then falls back to the most
// recent job for the recording id.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, services.ErrNotFound) {
		job, err = s.store.GetByRecordingID(r.Context(), id)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.scheduler.Cancel(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("cancel handled",
		logging.String(logging.FieldJobID, id),
		logging.String("status", string(job.Status)),
	)
	s.writeJSON(w, http.StatusOK, viewOf(job))
}

// handleHealth is a liveness probe with no store dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports daemon runtime state for the CLI.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "InvalidSpec")
		return
	}
	if s.statusFunc == nil {
		s.writeError(w, http.StatusServiceUnavailable, "status reporting is not available", "MissingDependency")
		return
	}
	s.writeJSON(w, http.StatusOK, s.statusFunc(r.Context()))
}
