package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/adjudicator/pkg/models"
)

// DefaultArchiveDir is used when no archive directory is configured.
const DefaultArchiveDir = "data/archive"

// LocalFileArchiver writes PII detections as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/pii_detections/2026-02-20T15-04-05Z-1a2b3c4d.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		basePath = DefaultArchiveDir
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchivePII(_ context.Context, detections []models.PIIDetection) (string, error) {
	dir := filepath.Join(a.basePath, "pii_detections")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + "-" + uuid.New().String()[:8] + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.OpenFile(fpath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	if err := writeJSONL(f, detections, a.compress); err != nil {
		f.Close()
		os.Remove(fpath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(fpath)
		return "", fmt.Errorf("close archive file: %w", err)
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(detections)).
		Msg("Archived PII detections to local file")

	return fpath, nil
}

func writeJSONL(w io.Writer, detections []models.PIIDetection, compress bool) error {
	var gw *gzip.Writer
	if compress {
		gw = gzip.NewWriter(w)
		w = gw
	}
	enc := json.NewEncoder(w)
	for _, d := range detections {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode pii detection %s: %w", d.ID, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return fmt.Errorf("flush archive: %w", err)
		}
	}
	return nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	// Verify we can write to the base path
	if err := os.MkdirAll(a.basePath, 0o700); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
