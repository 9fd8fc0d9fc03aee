package maisync

import "errors"

var (
	// ErrSessionExpired is returned when the platform redirects to its
	// error or logout page. It is never retried.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoSession is returned when a bot has no stored session.
	ErrNoSession = errors.New("no session available")
	// ErrFriendAcceptanceTimeout is returned when the target never accepts.
	ErrFriendAcceptanceTimeout = errors.New("friend request was not accepted in time")
	// ErrNotFound is returned by stores for unknown keys.
	ErrNotFound = errors.New("not found")
	// ErrNoTask is returned when no job can be claimed.
	ErrNoTask = errors.New("no task available")
	// ErrClaimConflict is returned when a job is held by another bot or not claimable.
	ErrClaimConflict = errors.New("job claimed by another bot")
	// ErrJobTerminal is returned when a transition targets a finished job.
	ErrJobTerminal = errors.New("job already finished")
	// ErrStageRegression is returned when a stage change is not forward.
	ErrStageRegression = errors.New("stage can only advance")
	// ErrCacheExists is returned when a cache entry is written twice.
	ErrCacheExists = errors.New("cache entry already exists")
	// ErrTaskStale is returned when a task waited too long before execution.
	ErrTaskStale = errors.New("task waited too long, please retry")
)

const (
	// BotUnavailableMessage is recorded on jobs failed by the fleet sweep.
	BotUnavailableMessage = "Bot Cookie 已过期或不可用"
	// SessionExpiredMessage is recorded when a bot finds its own login gone
	// mid-task.
	SessionExpiredMessage = "Cookie 已失效"
)

// ErrInvalidRequest is returned for malformed input such as a bad friend code.
var ErrInvalidRequest = errors.New("invalid request")

var errorCodes = []struct {
	code string
	err  error
}{
	{"session_expired", ErrSessionExpired},
	{"no_session", ErrNoSession},
	{"acceptance_timeout", ErrFriendAcceptanceTimeout},
	{"not_found", ErrNotFound},
	{"no_task", ErrNoTask},
	{"claim_conflict", ErrClaimConflict},
	{"job_terminal", ErrJobTerminal},
	{"stage_regression", ErrStageRegression},
	{"cache_exists", ErrCacheExists},
	{"task_stale", ErrTaskStale},
	{"invalid_request", ErrInvalidRequest},
}

// ErrorCode returns the wire code of the first sentinel err wraps, or "".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// ErrorFromCode maps a wire code back to its sentinel, or nil.
func ErrorFromCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
