package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/project"
)

const (
	bundleContentType  = "application/x-git-bundle"
	archiveContentType = "application/gzip"
)

// Snapshots stores per-project code bundles and agent config archives.
type Snapshots struct {
	store  ObjectStore
	tier   project.Tier
	logger *logger.Logger
}

// NewSnapshots returns a Snapshots bound to a tier.
func NewSnapshots(store ObjectStore, tier project.Tier, log *logger.Logger) *Snapshots {
	return &Snapshots{
		store:  store,
		tier:   tier,
		logger: log.WithFields(zap.String("component", "snapshots")),
	}
}

// EnsureSnapshot seeds the project snapshot from the template bundle when missing.
// It reports whether seeding happened.
func (s *Snapshots) EnsureSnapshot(ctx context.Context, k project.Key) (bool, error) {
	dst := k.SnapshotObject(s.tier)
	_, err := s.store.Head(ctx, dst)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	tmpl, err := s.store.Get(ctx, project.TemplateSnapshotObject())
	if err != nil {
		return false, fmt.Errorf("read template snapshot: %w", err)
	}
	if err := s.store.Put(ctx, dst, tmpl, bundleContentType); err != nil {
		return false, fmt.Errorf("seed snapshot: %w", err)
	}
	s.logger.Info("seeded project snapshot from template",
		zap.String("user_id", k.UserID),
		zap.String("project_id", k.ProjectID))
	return true, nil
}

// Bundle returns the project's code bundle.
func (s *Snapshots) Bundle(ctx context.Context, k project.Key) ([]byte, error) {
	return s.store.Get(ctx, k.SnapshotObject(s.tier))
}

// SaveBundle replaces the project's code bundle.
func (s *Snapshots) SaveBundle(ctx context.Context, k project.Key, data []byte) error {
	return s.store.Put(ctx, k.SnapshotObject(s.tier), data, bundleContentType)
}

// ConfigArchive returns the archived agent config directory. ok is false when
// nothing has been captured yet.
func (s *Snapshots) ConfigArchive(ctx context.Context, k project.Key) (data []byte, ok bool, err error) {
	data, err = s.store.Get(ctx, k.ConfigArchiveObject(s.tier))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SaveConfigArchive replaces the archived agent config directory.
func (s *Snapshots) SaveConfigArchive(ctx context.Context, k project.Key, data []byte) error {
	return s.store.Put(ctx, k.ConfigArchiveObject(s.tier), data, archiveContentType)
}
