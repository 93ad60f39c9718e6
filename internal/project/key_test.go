package project

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyValidation(t *testing.T) {
	tests := []struct {
		name      string
		userID    string
		projectID string
		wantErr   bool
	}{
		{"plain", "u1", "p1", false},
		{"dashes and underscores", "user_1", "my-project", false},
		{"empty user", "", "p1", true},
		{"empty project", "u1", "", true},
		{"path traversal", "u1", "../etc", true},
		{"shell metachar", "u1", "p1;rm -rf /", true},
		{"space", "u 1", "p1", true},
		{"quote", "u1", "p'1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKey(tt.userID, tt.projectID)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidIdentifier))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestStoragePaths(t *testing.T) {
	k := Key{UserID: "u1", ProjectID: "p1"}

	assert.Equal(t, "dev/users/u1/projects/p1/repo.bundle", k.SnapshotObject(TierDev))
	assert.Equal(t, "prod/users/u1/projects/p1/agent-config.tar.gz", k.ConfigArchiveObject(TierProd))
	assert.Equal(t, "sandbox-init.u1.p1", k.LockKey())
	assert.Equal(t, TierProd, ParseTier("prod"))
	assert.Equal(t, TierDev, ParseTier("anything"))
}

func TestHashIsStable(t *testing.T) {
	a := Key{UserID: "u1", ProjectID: "p1"}
	b := Key{UserID: "u1", ProjectID: "p2"}

	assert.Len(t, a.Hash(), 12)
	assert.Equal(t, a.Hash(), a.Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestLayout(t *testing.T) {
	l := Layout{
		HomeDir:            "/home/user",
		ConfigDirName:      ".claude",
		AnswersDirName:     ".answers",
		AttachmentsDirName: "attachments",
	}
	k := Key{UserID: "u1", ProjectID: "p1"}

	assert.Equal(t, "/home/user/p1", l.AppDir(k))
	assert.Equal(t, "/home/user/.claude", l.ConfigDir())
	assert.Equal(t, "/home/user/.answers/p1/t1.json", l.AnswerFile(k, "t1"))
	assert.NotContains(t, l.AnswerFile(k, "t1"), l.AppDir(k)+"/")
	assert.Equal(t, "/home/user/attachments/p1", l.AttachmentsDir(k))
	assert.NotContains(t, l.AttachmentsDir(k), l.AppDir(k)+"/")
	assert.Equal(t, "/tmp/p1.bundle", l.BundlePath(k))
	assert.Equal(t, "/tmp/agent-p1.pid", l.AgentPIDFile(k))
}
