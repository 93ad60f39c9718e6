package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

var toolUseIDPattern = regexp.MustCompile(`^[\w-]{1,128}$`)

// AnswerFile is the document written for the agent process to pick up.
type AnswerFile struct {
	ToolUseID   string            `json:"toolUseId"`
	Answers     map[string]string `json:"answers"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

// ValidToolUseID reports whether id is safe to use as a file name.
func ValidToolUseID(id string) bool {
	return toolUseIDPattern.MatchString(id)
}

// SubmitAnswers writes answers for toolUseID to the well-known answers location
// and returns the path. It does not resume any session; the agent watches for the file.
func (r *Relay) SubmitAnswers(ctx context.Context, h sandbox.Handle, k project.Key, toolUseID string, answers map[string]string) (string, error) {
	if !ValidToolUseID(toolUseID) {
		return "", fmt.Errorf("%w: toolUseId", project.ErrInvalidIdentifier)
	}
	if answers == nil {
		answers = map[string]string{}
	}
	data, err := json.Marshal(AnswerFile{ToolUseID: toolUseID, Answers: answers, SubmittedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("encode answers: %w", err)
	}

	p := r.cfg.Layout.AnswerFile(k, toolUseID)
	if err := h.WriteFile(ctx, p, data, 0o644); err != nil {
		return "", fmt.Errorf("write answers: %w", err)
	}
	r.logger.Info("answers submitted",
		zap.String("project_id", k.ProjectID),
		zap.String("tool_use_id", toolUseID),
		zap.Int("count", len(answers)))
	return p, nil
}
