package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/project"
)

var testKey = project.Key{UserID: "u1", ProjectID: "p1"}

func TestEnsureSnapshotSeedsFromTemplate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, project.TemplateSnapshotObject(), []byte("template"), ""))
	s := NewSnapshots(store, project.TierDev, logger.NewNop())

	seeded, err := s.EnsureSnapshot(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, seeded)

	data, err := s.Bundle(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "template", string(data))

	seeded, err = s.EnsureSnapshot(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, seeded, "an existing snapshot is never overwritten")
}

func TestEnsureSnapshotWithoutTemplate(t *testing.T) {
	s := NewSnapshots(NewMemoryStore(), project.TierDev, logger.NewNop())

	_, err := s.EnsureSnapshot(context.Background(), testKey)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConfigArchiveAbsentIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := NewSnapshots(store, project.TierProd, logger.NewNop())

	_, ok, err := s.ConfigArchive(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveConfigArchive(ctx, testKey, []byte("tgz")))
	data, ok, err := s.ConfigArchive(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tgz", string(data))
	assert.Equal(t, []string{"prod/users/u1/projects/p1/agent-config.tar.gz"}, store.Keys("prod/"))
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, store.Put(ctx, "k", buf, "text/plain"))
	buf[0] = 'x'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	info, err := store.Head(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "text/plain", info.ContentType)
}
