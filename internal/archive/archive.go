// Package archive keeps a copy of crawled comparison pages and finished job
// results in a blob store. Archiving is best effort: failures are logged and
// never fail the job.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// Archiver writes pages and results under stable paths.
type Archiver struct {
	store  maisync.BlobStore
	logger *zap.Logger
}

// New returns an Archiver. A nil store yields an Archiver that drops everything.
func New(store maisync.BlobStore, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, logger: logger}
}

// PagePath is where the page of one grid cell is archived.
func PagePath(jobID string, cell maisync.Cell) string {
	return fmt.Sprintf("pages/%s/type%d-diff%d.html", jobID, int(cell.ScoreType), int(cell.Difficulty))
}

// ResultPath is where the result of a completed job is archived.
func ResultPath(jobID string) string {
	return fmt.Sprintf("results/%s.json", jobID)
}

// Enabled reports whether a store is configured.
func (a *Archiver) Enabled() bool {
	return a != nil && a.store != nil
}

// Page archives one raw comparison page and returns its URI, or "" when
// archiving is disabled or failed.
func (a *Archiver) Page(ctx context.Context, jobID string, cell maisync.Cell, page string) string {
	if !a.Enabled() {
		return ""
	}
	uri, err := a.store.PutObject(ctx, PagePath(jobID, cell), "text/html; charset=utf-8", strings.NewReader(page))
	if err != nil {
		a.logger.Warn("archive page failed",
			zap.String("job_id", jobID),
			zap.Int("cell", cell.Index()),
			zap.Error(err))
		return ""
	}
	return uri
}

// Result archives a completed job's result as JSON.
func (a *Archiver) Result(ctx context.Context, jobID string, result maisync.JobResult) string {
	if !a.Enabled() {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		a.logger.Warn("encode result failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	uri, err := a.store.PutObject(ctx, ResultPath(jobID), "application/json", bytes.NewReader(data))
	if err != nil {
		a.logger.Warn("archive result failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	a.logger.Debug("result archived", zap.String("job_id", jobID), zap.String("uri", uri))
	return uri
}
