package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	FriendCode      string `json:"friendCode"`
	SkipUpdateScore bool   `json:"skipUpdateScore"`
}

// CreateJobResponse is returned for an accepted job.
type CreateJobResponse struct {
	JobID string `json:"jobId"`
}

// JobView is the public status view of a job.
type JobView struct {
	ID                  string                `json:"id"`
	FriendCode          string                `json:"friendCode"`
	Status              maisync.JobStatus     `json:"status"`
	Stage               maisync.JobStage      `json:"stage"`
	BotID               string                `json:"botUserFriendCode,omitempty"`
	FriendRequestSentAt *time.Time            `json:"friendRequestSentAt,omitempty"`
	ScoreProgress       maisync.ScoreProgress `json:"scoreProgress"`
	Result              *maisync.JobResult    `json:"result,omitempty"`
	Error               string                `json:"error,omitempty"`
	CreatedAt           time.Time             `json:"createdAt"`
	UpdatedAt           time.Time             `json:"updatedAt"`
}

func toJobView(job maisync.Job) JobView {
	return JobView{
		ID:                  job.ID,
		FriendCode:          job.FriendCode,
		Status:              job.Status,
		Stage:               job.Stage,
		BotID:               job.AssignedBotID,
		FriendRequestSentAt: job.FriendRequestSentAt,
		ScoreProgress:       job.ScoreProgress,
		Result:              job.Result,
		Error:               job.Error,
		CreatedAt:           job.CreatedAt,
		UpdatedAt:           job.UpdatedAt,
	}
}

// BotStatusReport is the body of POST /v1/bots/status.
type BotStatusReport struct {
	Bots []maisync.BotReport `json:"bots"`
}

// IdleUpdateRequest is the body of PUT /v1/users/{friend_code}/idle-update.
type IdleUpdateRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.jobs.CreateJob(r.Context(), req.FriendCode, req.SkipUpdateScore)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CreateJobResponse{JobID: job.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.CancelJob(r.Context(), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "status": string(maisync.JobStatusCanceled)})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.jobs.GetUser(r.Context(), chi.URLParam(r, "friend_code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) setIdleUpdate(w http.ResponseWriter, r *http.Request) {
	var req IdleUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.jobs.SetIdleUpdate(r.Context(), chi.URLParam(r, "friend_code"), req.Enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) reportBots(w http.ResponseWriter, r *http.Request) {
	var req BotStatusReport
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.fleet.Report(r.Context(), req.Bots); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.fleet.GetAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

// StageRequest is the body of POST /v1/task/{job_id}/stage.
type StageRequest struct {
	From                maisync.JobStage `json:"from"`
	To                  maisync.JobStage `json:"to"`
	FriendRequestSentAt *time.Time       `json:"friendRequestSentAt,omitempty"`
}

// CellRequest is the body of POST /v1/task/{job_id}/cells.
type CellRequest struct {
	Cell int `json:"cell"`
}

// PageBody carries one cached comparison page.
type PageBody struct {
	Page string `json:"page"`
}

// FailRequest is the body of POST /v1/task/{job_id}/fail.
type FailRequest struct {
	Error string `json:"error"`
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.jobs.ClaimTask(r.Context(), botID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) ackTask(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.StartTask(r.Context(), chi.URLParam(r, "job_id"), botID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) taskJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) advanceStage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	err := s.jobs.AdvanceStage(r.Context(), chi.URLParam(r, "job_id"), botID(r), req.From, req.To, req.FriendRequestSentAt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) recordCell(w http.ResponseWriter, r *http.Request) {
	var req CellRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.jobs.RecordCell(r.Context(), chi.URLParam(r, "job_id"), botID(r), req.Cell); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	cell, ok := parseCell(r)
	if !ok {
		writeError(w, http.StatusBadRequest, maisync.ErrorCode(maisync.ErrInvalidRequest), "invalid cell")
		return
	}
	page, found, err := s.jobs.GetPage(r.Context(), cell.Key(chi.URLParam(r, "job_id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, maisync.ErrorCode(maisync.ErrNotFound), "page not cached")
		return
	}
	writeJSON(w, http.StatusOK, PageBody{Page: page})
}

func (s *Server) putPage(w http.ResponseWriter, r *http.Request) {
	cell, ok := parseCell(r)
	if !ok {
		writeError(w, http.StatusBadRequest, maisync.ErrorCode(maisync.ErrInvalidRequest), "invalid cell")
		return
	}
	var body PageBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.jobs.PutPage(r.Context(), chi.URLParam(r, "job_id"), botID(r), cell, body.Page); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var result maisync.JobResult
	if err := decodeJSON(w, r, &result); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.jobs.CompleteJob(r.Context(), chi.URLParam(r, "job_id"), botID(r), result); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Error == "" {
		req.Error = "unknown error"
	}
	if err := s.jobs.FailJob(r.Context(), chi.URLParam(r, "job_id"), botID(r), req.Error); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) releaseTask(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.ReleaseJob(r.Context(), jobID, botID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Debug("task released by bot", zap.String("job_id", jobID), zap.String("bot_id", botID(r)))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func parseCell(r *http.Request) (maisync.Cell, bool) {
	diff, err := strconv.Atoi(chi.URLParam(r, "diff"))
	if err != nil {
		return maisync.Cell{}, false
	}
	typ, err := strconv.Atoi(chi.URLParam(r, "type"))
	if err != nil {
		return maisync.Cell{}, false
	}
	cell := maisync.Cell{Difficulty: maisync.Difficulty(diff), ScoreType: maisync.ScoreType(typ)}
	if !cell.Difficulty.Valid() || !cell.ScoreType.Valid() {
		return maisync.Cell{}, false
	}
	return cell, true
}
