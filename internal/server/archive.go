package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/archive"
	"github.com/JakeFAU/maimai-sync/internal/config"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
	gcsstorage "github.com/JakeFAU/maimai-sync/internal/storage/gcs"
	localstorage "github.com/JakeFAU/maimai-sync/internal/storage/local"
)

// buildArchive returns nil when archiving is off. The GCS client, if one was
// opened, is returned for the caller to close.
func buildArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*archive.Archiver, *storage.Client, error) {
	var (
		blobs  maisync.BlobStore
		client *storage.Client
	)
	switch cfg.Backend {
	case "gcs":
		var err error
		client, err = storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, client, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		logger.Info("archiving to gcs", zap.String("bucket", cfg.GCSBucket), zap.String("prefix", cfg.Prefix))
		blobs = store
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		logger.Info("archiving to local disk", zap.String("path", cfg.LocalDir))
		blobs = store
	default:
		logger.Info("archive disabled")
		return nil, nil, nil
	}
	return archive.New(blobs, logger.Named("archive")), client, nil
}
