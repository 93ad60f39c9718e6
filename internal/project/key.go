// Package project identifies per-project environments and derives every
// storage and in-sandbox path from that identity.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
)

// ErrInvalidIdentifier is returned when a user or project id contains characters
// that are unsafe to embed in storage keys or sandbox paths.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[\w-]+$`)

const maxIdentifierLen = 128

// Key identifies one environment and its backing storage.
type Key struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
}

// NewKey validates both identifiers and returns the key.
func NewKey(userID, projectID string) (Key, error) {
	k := Key{UserID: userID, ProjectID: projectID}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate rejects empty, overlong or non-word identifiers.
func (k Key) Validate() error {
	if err := validateID("userId", k.UserID); err != nil {
		return err
	}
	return validateID("projectId", k.ProjectID)
}

func validateID(field, v string) error {
	if v == "" || len(v) > maxIdentifierLen || !identifierPattern.MatchString(v) {
		return fmt.Errorf("%w: %s", ErrInvalidIdentifier, field)
	}
	return nil
}

// String returns "user/project", used in logs only.
func (k Key) String() string {
	return k.UserID + "/" + k.ProjectID
}

// LockKey is the coordination key for the initialization lock.
func (k Key) LockKey() string {
	return "sandbox-init." + k.UserID + "." + k.ProjectID
}

// Hash returns a short stable digest of the key, usable in resource names.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.UserID + "\x00" + k.ProjectID))
	return hex.EncodeToString(sum[:])[:12]
}

// Tags are the metadata labels an environment carries so it can be found again.
func (k Key) Tags() map[string]string {
	return map[string]string{
		"userId":    k.UserID,
		"projectId": k.ProjectID,
	}
}

// Tier selects the storage namespace.
type Tier string

const (
	TierDev  Tier = "dev"
	TierProd Tier = "prod"
)

// ParseTier maps a config value onto a Tier, defaulting to dev.
func ParseTier(s string) Tier {
	if s == string(TierProd) {
		return TierProd
	}
	return TierDev
}

// StoragePrefix is the durable storage directory for the project.
func (k Key) StoragePrefix(t Tier) string {
	return path.Join(string(t), "users", k.UserID, "projects", k.ProjectID)
}

// SnapshotObject is the object key of the project's code bundle.
func (k Key) SnapshotObject(t Tier) string {
	return path.Join(k.StoragePrefix(t), "repo.bundle")
}

// ConfigArchiveObject is the object key of the archived agent config directory.
func (k Key) ConfigArchiveObject(t Tier) string {
	return path.Join(k.StoragePrefix(t), "agent-config.tar.gz")
}

// TemplateSnapshotObject is the seed bundle cloned into projects without a snapshot.
func TemplateSnapshotObject() string {
	return "initialization/repo.bundle"
}
