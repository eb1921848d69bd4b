// Package archive uploads verified snapshots of the results database to object
// storage and rotates old ones.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/zfit/internal/database"
)

const timestampLayout = "2006-01-02-150405"

// MinKeep is the number of newest archives Rotate never deletes.
const MinKeep = 3

// Snapshotter writes a consistent copy of a database to a new file.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// Info describes one stored archive.
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// Service snapshots the results database and ships it to a Client.
type Service struct {
	db       Snapshotter
	client   Client
	prefix   string
	stageDir string
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates an archiver. Snapshots are staged under stageDir.
func NewService(db Snapshotter, client Client, prefix, stageDir string, log zerolog.Logger) *Service {
	return &Service{
		db:       db,
		client:   client,
		prefix:   strings.Trim(prefix, "/"),
		stageDir: stageDir,
		log:      log.With().Str("service", "archive").Logger(),
		now:      time.Now,
	}
}

func (s *Service) keyPrefix() string {
	if s.prefix == "" {
		return "zfit-"
	}
	return s.prefix + "/zfit-"
}

// CreateAndUpload snapshots the database, verifies the copy and uploads it.
// It returns the object key.
func (s *Service) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting archive")
	start := time.Now()

	if err := os.MkdirAll(s.stageDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	stamp := s.now().UTC().Format(timestampLayout)
	path := filepath.Join(s.stageDir, "zfit-"+stamp+".db")
	// VACUUM INTO refuses to overwrite
	_ = os.Remove(path)
	defer os.Remove(path)

	if err := s.db.Snapshot(ctx, path); err != nil {
		return "", err
	}
	if err := verify(ctx, path); err != nil {
		return "", fmt.Errorf("snapshot verification failed: %w", err)
	}
	sum, err := checksum(path)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	key := s.keyPrefix() + stamp + ".db"
	if err := s.client.Upload(ctx, key, f, map[string]string{"sha256": sum}); err != nil {
		return "", err
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("key", key).
		Msg("Archive uploaded")
	return key, nil
}

// List returns the stored archives, newest first. Keys that do not carry a
// parseable timestamp are skipped.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objects, err := s.client.List(ctx, s.keyPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(objects))
	for _, o := range objects {
		stamp := strings.TrimSuffix(strings.TrimPrefix(o.Key, s.keyPrefix()), ".db")
		ts, err := time.Parse(timestampLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", o.Key).Msg("Skipping archive with unparseable name")
			continue
		}
		out = append(out, Info{Key: o.Key, Timestamp: ts, SizeBytes: o.SizeBytes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Rotate deletes archives older than retention, always keeping the MinKeep
// newest. A zero retention keeps everything.
func (s *Service) Rotate(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	archives, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-retention)
	deleted := 0
	for i, a := range archives {
		if i < MinKeep || !a.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.client.Delete(ctx, a.Key); err != nil {
			s.log.Error().Err(err).Str("key", a.Key).Msg("Failed to delete archive")
			continue
		}
		deleted++
	}
	s.log.Info().Int("deleted", deleted).Msg("Archive rotation finished")
	return deleted, nil
}

// verify opens the snapshot on its own connection and runs a full integrity check.
func verify(ctx context.Context, path string) error {
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileScratch, Name: "snapshot"})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.IntegrityCheck(ctx)
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
