package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

const maxAttachmentBytes = 20 << 20

// ErrInvalidAttachment is returned for an attachment that cannot be decoded or placed.
var ErrInvalidAttachment = errors.New("invalid attachment")

// Attachment is a client-supplied file, base64 encoded.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// AttachmentPath returns where attachment i is written. The declared name is
// kept when usable; otherwise the name is derived from the index and media type.
func AttachmentPath(dir string, i int, a Attachment) (string, error) {
	name := path.Base(strings.ReplaceAll(a.Name, "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		name = fmt.Sprintf("attachment-%d%s", i+1, extensionFor(a.MediaType))
	}
	p, err := securejoin.SecureJoin(dir, name)
	if err != nil {
		return "", fmt.Errorf("%w %d: %w", ErrInvalidAttachment, i, err)
	}
	return p, nil
}

func extensionFor(mediaType string) string {
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// ValidateAttachments checks every attachment decodes and fits the size limit.
func ValidateAttachments(atts []Attachment) error {
	for i, a := range atts {
		if _, err := decodeAttachment(i, a); err != nil {
			return err
		}
	}
	return nil
}

func decodeAttachment(i int, a Attachment) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w %d: bad base64: %w", ErrInvalidAttachment, i, err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("%w %d: exceeds %d bytes", ErrInvalidAttachment, i, maxAttachmentBytes)
	}
	return data, nil
}

func (r *Relay) writeAttachments(ctx context.Context, h sandbox.Handle, k project.Key, atts []Attachment) error {
	dir := r.cfg.Layout.AttachmentsDir(k)
	for i, a := range atts {
		data, err := decodeAttachment(i, a)
		if err != nil {
			return err
		}
		p, err := AttachmentPath(dir, i, a)
		if err != nil {
			return err
		}
		if err := h.WriteFile(ctx, p, data, 0o644); err != nil {
			return fmt.Errorf("write attachment %d: %w", i, err)
		}
	}
	return nil
}
