package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

const jobColumns = `id, friend_code, skip_update_score, status, stage, bot_id,
	friend_request_sent_at, claimed_at, completed_cells, total_cells, result, error,
	executing, created_at, updated_at`

// JobStore implements maisync.JobStore. Transitions are single conditional
// UPDATE statements; a zero row count is explained by re-reading the job.
type JobStore struct {
	db DB
}

// NewJobStore wraps db.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

// CreateJob inserts a job.
func (s *JobStore) CreateJob(ctx context.Context, job maisync.Job) error {
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		job.ID,
		job.FriendCode,
		job.SkipUpdateScore,
		string(job.Status),
		string(job.Stage),
		job.AssignedBotID,
		job.FriendRequestSentAt,
		job.ClaimedAt,
		toInt32s(job.ScoreProgress.CompletedCells),
		job.ScoreProgress.TotalCells,
		result,
		job.Error,
		job.Executing,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (maisync.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if noRows(err) {
		return maisync.Job{}, maisync.ErrNotFound
	}
	if err != nil {
		return maisync.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNext re-offers the bot's own idle claim before taking the oldest
// queued job. SKIP LOCKED keeps concurrent claimers off the same row.
func (s *JobStore) ClaimNext(ctx context.Context, botID string, now time.Time) (maisync.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `
UPDATE jobs
SET status = 'processing', bot_id = $1, executing = false, claimed_at = $2, updated_at = $2
WHERE id = (
	SELECT id FROM jobs
	WHERE (status = 'processing' AND bot_id = $1 AND NOT executing) OR status = 'queued'
	ORDER BY (status = 'processing') DESC, created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, botID, now))
	if noRows(err) {
		return maisync.Job{}, maisync.ErrNoTask
	}
	if err != nil {
		return maisync.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// StartJob acknowledges a claim.
func (s *JobStore) StartJob(ctx context.Context, jobID, botID string, now time.Time) (maisync.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `
UPDATE jobs SET executing = true, updated_at = $3
WHERE id = $1 AND bot_id = $2 AND status = 'processing'
RETURNING `+jobColumns, jobID, botID, now))
	if noRows(err) {
		return maisync.Job{}, s.explain(ctx, jobID)
	}
	if err != nil {
		return maisync.Job{}, fmt.Errorf("start job: %w", err)
	}
	return job, nil
}

// AdvanceStage moves the job forward.
func (s *JobStore) AdvanceStage(
	ctx context.Context,
	jobID, botID string,
	from, to maisync.JobStage,
	sentAt *time.Time,
	now time.Time,
) error {
	if !from.CanAdvanceTo(to) {
		return maisync.ErrStageRegression
	}
	tag, err := s.db.Exec(ctx, `
UPDATE jobs
SET stage = $4, friend_request_sent_at = COALESCE($5, friend_request_sent_at), updated_at = $6
WHERE id = $1 AND bot_id = $2 AND status = 'processing' AND stage = $3`,
		jobID, botID, string(from), string(to), sentAt, now)
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.HeldBy(botID); err != nil {
		return err
	}
	done, err := job.CheckAdvance(from, to)
	if err != nil {
		return err
	}
	if !done {
		return maisync.ErrClaimConflict
	}
	return nil
}

// RecordCell adds cell to the completed set.
func (s *JobStore) RecordCell(ctx context.Context, jobID, botID string, cell int, now time.Time) error {
	if _, ok := maisync.CellAt(cell); !ok {
		return fmt.Errorf("cell %d out of range", cell)
	}
	return s.transition(ctx, jobID, "record cell", `
UPDATE jobs
SET completed_cells = ARRAY(SELECT DISTINCT c FROM unnest(completed_cells || $3::integer) AS c ORDER BY c),
	updated_at = $4
WHERE id = $1 AND bot_id = $2 AND status = 'processing'`, jobID, botID, cell, now)
}

// CompleteJob stores the result and finishes the job.
func (s *JobStore) CompleteJob(ctx context.Context, jobID, botID string, result maisync.JobResult, now time.Time) error {
	payload, err := marshalResult(&result)
	if err != nil {
		return err
	}
	return s.transition(ctx, jobID, "complete job", `
UPDATE jobs SET status = 'completed', result = $3, executing = false, updated_at = $4
WHERE id = $1 AND bot_id = $2 AND status = 'processing'`, jobID, botID, payload, now)
}

// FailJob records a failure. An empty botID skips the holder check.
func (s *JobStore) FailJob(ctx context.Context, jobID, botID, message string, now time.Time) error {
	return s.transition(ctx, jobID, "fail job", `
UPDATE jobs SET status = 'failed', error = $3, executing = false, updated_at = $4
WHERE id = $1 AND ($2 = '' OR bot_id = $2) AND status IN ('queued', 'processing')`, jobID, botID, message, now)
}

// ReleaseJob lets the holder resume the job on a later claim.
func (s *JobStore) ReleaseJob(ctx context.Context, jobID, botID string, now time.Time) error {
	return s.transition(ctx, jobID, "release job", `
UPDATE jobs SET executing = false, updated_at = $3
WHERE id = $1 AND bot_id = $2 AND status = 'processing'`, jobID, botID, now)
}

// CancelJob cancels a job that has not finished.
func (s *JobStore) CancelJob(ctx context.Context, jobID string, now time.Time) error {
	return s.transition(ctx, jobID, "cancel job", `
UPDATE jobs SET status = 'canceled', executing = false, updated_at = $2
WHERE id = $1 AND status IN ('queued', 'processing')`, jobID, now)
}

// FailJobsForBots fails every unfinished job held by one of botIDs and
// returns the failed rows.
func (s *JobStore) FailJobsForBots(ctx context.Context, botIDs []string, message string, now time.Time) ([]maisync.Job, error) {
	if len(botIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
UPDATE jobs SET status = 'failed', error = $2, executing = false, updated_at = $3
WHERE bot_id = ANY($1) AND status IN ('queued', 'processing')
RETURNING `+jobColumns, botIDs, message, now)
	if err != nil {
		return nil, fmt.Errorf("fail jobs for bots: %w", err)
	}
	defer rows.Close()
	var failed []maisync.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		failed = append(failed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail jobs for bots: %w", err)
	}
	return failed, nil
}

func (s *JobStore) transition(ctx context.Context, jobID, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explain(ctx, jobID)
}

// explain turns a failed conditional update into the matching sentinel.
func (s *JobStore) explain(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return maisync.ErrJobTerminal
	}
	return maisync.ErrClaimConflict
}

func scanJob(row pgx.Row) (maisync.Job, error) {
	var (
		job    maisync.Job
		status string
		stage  string
		cells  []int32
		total  int32
		result []byte
	)
	err := row.Scan(
		&job.ID,
		&job.FriendCode,
		&job.SkipUpdateScore,
		&status,
		&stage,
		&job.AssignedBotID,
		&job.FriendRequestSentAt,
		&job.ClaimedAt,
		&cells,
		&total,
		&result,
		&job.Error,
		&job.Executing,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return maisync.Job{}, err
	}
	job.Status = maisync.JobStatus(status)
	job.Stage = maisync.JobStage(stage)
	job.ScoreProgress = maisync.ScoreProgress{CompletedCells: make([]int, 0, len(cells)), TotalCells: int(total)}
	for _, c := range cells {
		job.ScoreProgress.CompletedCells = append(job.ScoreProgress.CompletedCells, int(c))
	}
	if len(result) > 0 {
		var res maisync.JobResult
		if err := json.Unmarshal(result, &res); err != nil {
			return maisync.Job{}, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &res
	}
	return job, nil
}

func marshalResult(res *maisync.JobResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return b, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, 0, len(in))
	for _, v := range in {
		out = append(out, int32(v))
	}
	return out
}
