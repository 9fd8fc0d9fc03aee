package maisync

import (
	"slices"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	// JobStatusQueued indicates the job awaits a bot.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a bot holds the claim.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled indicates the job was canceled by the user.
	JobStatusCanceled JobStatus = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobStage enumerates the ordered steps of a processing job.
type JobStage string

const (
	// StageSendRequest sends (or skips) the friend request.
	StageSendRequest JobStage = "send_request"
	// StageWaitAcceptance polls until the target accepts.
	StageWaitAcceptance JobStage = "wait_acceptance"
	// StageUpdateScore crawls the score grid.
	StageUpdateScore JobStage = "update_score"
)

// Order returns the position of the stage, or -1 for unknown stages.
func (s JobStage) Order() int {
	switch s {
	case StageSendRequest:
		return 0
	case StageWaitAcceptance:
		return 1
	case StageUpdateScore:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known stage.
func (s JobStage) Valid() bool {
	return s.Order() >= 0
}

// CanAdvanceTo reports whether moving from s to next keeps the stage monotonic.
func (s JobStage) CanAdvanceTo(next JobStage) bool {
	return s.Valid() && next.Valid() && next.Order() > s.Order()
}

// ScoreProgress tracks which grid cells a job has finished.
type ScoreProgress struct {
	CompletedCells []int `json:"completedCells"`
	TotalCells     int   `json:"totalCells"`
}

// Has reports whether the cell index is already recorded.
func (p ScoreProgress) Has(cell int) bool {
	return slices.Contains(p.CompletedCells, cell)
}

// With returns a copy of p with cell recorded, keeping the slice sorted.
func (p ScoreProgress) With(cell int) ScoreProgress {
	if p.Has(cell) {
		return p
	}
	out := ScoreProgress{TotalCells: p.TotalCells}
	out.CompletedCells = append(slices.Clone(p.CompletedCells), cell)
	slices.Sort(out.CompletedCells)
	return out
}

// Job is the unit of work coordinated between the orchestrator and bots.
type Job struct {
	ID                  string        `json:"id"`
	FriendCode          string        `json:"friendCode"`
	SkipUpdateScore     bool          `json:"skipUpdateScore"`
	Status              JobStatus     `json:"status"`
	Stage               JobStage      `json:"stage"`
	AssignedBotID       string        `json:"botUserFriendCode,omitempty"`
	FriendRequestSentAt *time.Time    `json:"friendRequestSentAt,omitempty"`
	ClaimedAt           *time.Time    `json:"claimedAt,omitempty"`
	ScoreProgress       ScoreProgress `json:"scoreProgress"`
	Result              *JobResult    `json:"result,omitempty"`
	Error               string        `json:"error,omitempty"`
	Executing           bool          `json:"executing"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// NewJob builds a fresh queued job at the first stage.
func NewJob(id, friendCode string, skipUpdateScore bool, now time.Time) Job {
	return Job{
		ID:              id,
		FriendCode:      friendCode,
		SkipUpdateScore: skipUpdateScore,
		Status:          JobStatusQueued,
		Stage:           StageSendRequest,
		ScoreProgress:   ScoreProgress{CompletedCells: []int{}, TotalCells: GridSize},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// HeldBy returns nil when botID holds the job's claim. Terminal jobs report
// ErrJobTerminal and jobs held elsewhere ErrClaimConflict.
func (j Job) HeldBy(botID string) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	if j.Status != JobStatusProcessing || j.AssignedBotID != botID {
		return ErrClaimConflict
	}
	return nil
}

// CheckAdvance validates a stage change from -> to against the job's current
// stage. It returns done=true when the job already sits at to.
func (j Job) CheckAdvance(from, to JobStage) (done bool, err error) {
	if !from.CanAdvanceTo(to) {
		return false, ErrStageRegression
	}
	switch {
	case j.Stage == to:
		return true, nil
	case j.Stage.Order() > to.Order():
		return false, ErrStageRegression
	case j.Stage != from:
		return false, ErrClaimConflict
	}
	return false, nil
}

// BotReport is one entry of a heartbeat batch.
type BotReport struct {
	FriendCode  string `json:"friendCode"`
	Available   bool   `json:"available"`
	FriendCount *int   `json:"friendCount,omitempty"`
}

// BotStatus is the registry view of a bot.
type BotStatus struct {
	FriendCode     string    `json:"friendCode"`
	Available      bool      `json:"available"`
	LastReportedAt time.Time `json:"lastReportedAt"`
	FriendCount    *int      `json:"friendCount,omitempty"`
}

// CacheKey identifies one crawled comparison page of a job.
type CacheKey struct {
	JobID      string     `json:"jobId"`
	Difficulty Difficulty `json:"diff"`
	ScoreType  ScoreType  `json:"type"`
}

// CacheEntry is a write-once raw page.
type CacheEntry struct {
	CacheKey
	Page      string    `json:"page"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChartKind distinguishes standard and deluxe charts of a song.
type ChartKind string

const (
	// ChartKindStandard is the original chart.
	ChartKindStandard ChartKind = "SD"
	// ChartKindDeluxe is the DX chart.
	ChartKindDeluxe ChartKind = "DX"
)

// ScoreRecord is one normalized chart score.
type ScoreRecord struct {
	Title       string     `json:"title"`
	Category    string     `json:"category,omitempty"`
	Kind        ChartKind  `json:"type"`
	Difficulty  Difficulty `json:"levelIndex"`
	Level       string     `json:"level"`
	Achievement float64    `json:"achievements"`
	DXScore     int        `json:"dxScore"`
	DXScoreMax  int        `json:"dxScoreMax,omitempty"`
	Rating      int        `json:"rating"`
	FC          string     `json:"fc,omitempty"`
	FS          string     `json:"fs,omitempty"`
}

// Key identifies the chart a record belongs to.
func (r ScoreRecord) Key() string {
	return string(r.Kind) + "|" + r.Difficulty.String() + "|" + r.Title
}

// JobResult is attached to a completed job.
type JobResult struct {
	FriendCode    string        `json:"friendCode"`
	Records       []ScoreRecord `json:"records"`
	Rating        int           `json:"rating"`
	SkippedScores bool          `json:"skippedScores,omitempty"`
}

// User is the profile a job syncs into.
type User struct {
	FriendCode string        `json:"friendCode"`
	IdleUpdate bool          `json:"idleUpdate"`
	Scores     []ScoreRecord `json:"scores,omitempty"`
	Rating     int           `json:"rating"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// TaskType labels the task envelopes bots receive.
const TaskType = "maimai-dx"

// Task is the envelope handed to a bot by the claim endpoint.
type Task struct {
	UUID       string   `json:"uuid"`
	Type       string   `json:"type"`
	AppendTime int64    `json:"appendTime"`
	Data       TaskData `json:"data"`
}

// TaskData carries everything a bot needs to run or resume a job.
type TaskData struct {
	Username            string        `json:"username"`
	AuthURL             string        `json:"authUrl,omitempty"`
	DiffList            []Difficulty  `json:"diffList"`
	TraceUUID           string        `json:"traceUUID"`
	PageInfo            ScoreProgress `json:"pageInfo"`
	SkipUpdateScore     bool          `json:"skipUpdateScore"`
	Stage               JobStage      `json:"stage"`
	BotID               string        `json:"botId"`
	FriendRequestSentAt *time.Time    `json:"friendRequestSentAt,omitempty"`
}

// AppendedAt converts the millisecond append time to a time.Time.
func (t Task) AppendedAt() time.Time {
	return time.UnixMilli(t.AppendTime).UTC()
}

// TaskFromJob builds the envelope for a claimed job. A fresh job carries its
// creation time so a bot can reject work that sat unclaimed for too long; a
// job that already made progress is being resumed and carries the claim time.
func TaskFromJob(job Job, authURL string) Task {
	appended := job.CreatedAt
	if job.ClaimedAt != nil && job.resumed() {
		appended = *job.ClaimedAt
	}
	return Task{
		UUID:       job.ID,
		Type:       TaskType,
		AppendTime: appended.UnixMilli(),
		Data: TaskData{
			Username:            job.FriendCode,
			AuthURL:             authURL,
			DiffList:            AllDifficulties(),
			TraceUUID:           job.ID,
			PageInfo:            job.ScoreProgress,
			SkipUpdateScore:     job.SkipUpdateScore,
			Stage:               job.Stage,
			BotID:               job.AssignedBotID,
			FriendRequestSentAt: job.FriendRequestSentAt,
		},
	}
}

func (j Job) resumed() bool {
	return j.Stage != StageSendRequest || j.FriendRequestSentAt != nil || len(j.ScoreProgress.CompletedCells) > 0
}
