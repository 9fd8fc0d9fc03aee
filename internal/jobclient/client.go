// Package jobclient is the bot's HTTP client for the orchestrator task API.
// Its methods mirror orchestrator.Service so the worker can run against
// either one.
package jobclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/maimai-sync/internal/api"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// DefaultTimeout bounds one orchestrator call.
const DefaultTimeout = 30 * time.Second

// Config points the client at an orchestrator.
type Config struct {
	BaseURL string
	// Token is sent as the token query parameter on every call.
	Token   string
	Timeout time.Duration
}

// APIError is a non-2xx orchestrator response. It unwraps to the maisync
// sentinel named by its code, if any.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("orchestrator returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return maisync.ErrorFromCode(e.Code)
}

// Client calls the orchestrator.
type Client struct {
	http *resty.Client
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("orchestrator base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetQueryParam("token", cfg.Token)
	}
	return &Client{http: rc}, nil
}

// ClaimTask asks for the next task. maisync.ErrNoTask means the queue is empty.
func (c *Client) ClaimTask(ctx context.Context, botID string) (maisync.Task, error) {
	var task maisync.Task
	err := c.call(ctx, http.MethodGet, "/v1/task/", botID, nil, nil, &task)
	return task, err
}

// StartTask acknowledges a claimed task.
func (c *Client) StartTask(ctx context.Context, jobID, botID string) (maisync.Job, error) {
	var job maisync.Job
	err := c.call(ctx, http.MethodPost, "/v1/task/{job_id}", botID, jobParams(jobID), nil, &job)
	return job, err
}

// GetJob fetches the current job state.
func (c *Client) GetJob(ctx context.Context, jobID string) (maisync.Job, error) {
	var job maisync.Job
	err := c.call(ctx, http.MethodGet, "/v1/task/{job_id}/job", "", jobParams(jobID), nil, &job)
	return job, err
}

// AdvanceStage moves the job forward.
func (c *Client) AdvanceStage(
	ctx context.Context,
	jobID, botID string,
	from, to maisync.JobStage,
	sentAt *time.Time,
) error {
	body := api.StageRequest{From: from, To: to, FriendRequestSentAt: sentAt}
	return c.call(ctx, http.MethodPost, "/v1/task/{job_id}/stage", botID, jobParams(jobID), body, nil)
}

// RecordCell marks a grid cell done.
func (c *Client) RecordCell(ctx context.Context, jobID, botID string, cell int) error {
	return c.call(ctx, http.MethodPost, "/v1/task/{job_id}/cells", botID, jobParams(jobID), api.CellRequest{Cell: cell}, nil)
}

// GetPage reads a cached page. A missing page is not an error.
func (c *Client) GetPage(ctx context.Context, key maisync.CacheKey) (string, bool, error) {
	var body api.PageBody
	err := c.call(ctx, http.MethodGet, "/v1/task/{job_id}/cache/{diff}/{type}", "", cacheParams(key), nil, &body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return body.Page, true, nil
}

// PutPage caches a crawled page.
func (c *Client) PutPage(ctx context.Context, jobID, botID string, cell maisync.Cell, page string) error {
	return c.call(ctx, http.MethodPut, "/v1/task/{job_id}/cache/{diff}/{type}", botID,
		cacheParams(cell.Key(jobID)), api.PageBody{Page: page}, nil)
}

// CompleteJob submits the final result.
func (c *Client) CompleteJob(ctx context.Context, jobID, botID string, result maisync.JobResult) error {
	return c.call(ctx, http.MethodPost, "/v1/task/{job_id}/complete", botID, jobParams(jobID), result, nil)
}

// FailJob reports a failure.
func (c *Client) FailJob(ctx context.Context, jobID, botID, message string) error {
	return c.call(ctx, http.MethodPost, "/v1/task/{job_id}/fail", botID, jobParams(jobID), api.FailRequest{Error: message}, nil)
}

// ReleaseJob hands the claim back for a later resume.
func (c *Client) ReleaseJob(ctx context.Context, jobID, botID string) error {
	return c.call(ctx, http.MethodPost, "/v1/task/{job_id}/release", botID, jobParams(jobID), nil, nil)
}

// Report posts a heartbeat batch.
func (c *Client) Report(ctx context.Context, reports []maisync.BotReport) error {
	return c.call(ctx, http.MethodPost, "/v1/bots/status/", "", nil, api.BotStatusReport{Bots: reports}, nil)
}

func (c *Client) call(
	ctx context.Context,
	method, path, botID string,
	params map[string]string,
	body, out any,
) error {
	req := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetError(&api.ErrorBody{})
	if botID != "" {
		req.SetQueryParam("bot", botID)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
		if eb, ok := resp.Error().(*api.ErrorBody); ok && eb.Error != "" {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
		}
		return apiErr
	}
	return nil
}

func jobParams(jobID string) map[string]string {
	return map[string]string{"job_id": jobID}
}

func cacheParams(key maisync.CacheKey) map[string]string {
	return map[string]string{
		"job_id": key.JobID,
		"diff":   strconv.Itoa(int(key.Difficulty)),
		"type":   strconv.Itoa(int(key.ScoreType)),
	}
}
