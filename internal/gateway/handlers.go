package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/appctx"
	apperrors "github.com/reeloly/sandboxd/internal/common/errors"
	"github.com/reeloly/sandboxd/internal/common/httpmw"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/orchestrator"
	"github.com/reeloly/sandboxd/internal/relay"
)

type handlers struct {
	svc      Service
	opts     Options
	upgrader gorillaws.Upgrader
	logger   *logger.Logger
}

func newHandlers(svc Service, opts Options, log *logger.Logger) *handlers {
	policy := newOriginPolicy(opts.Server.AllowedOrigins)
	return &handlers{
		svc:  svc,
		opts: opts,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || policy.allows(origin)
			},
		},
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// messageRequest is the body of POST /messages and the first WebSocket frame.
type messageRequest struct {
	ProjectID   string             `json:"projectId"`
	Message     string             `json:"message"`
	Attachments []relay.Attachment `json:"attachments,omitempty"`
	// Mode "short" applies the short-request ceiling.
	Mode string `json:"mode,omitempty"`
}

func (r messageRequest) toMessage() orchestrator.MessageRequest {
	return orchestrator.MessageRequest{
		Message:     r.Message,
		Attachments: r.Attachments,
		Short:       strings.EqualFold(r.Mode, "short"),
	}
}

type answersRequest struct {
	ProjectID string            `json:"projectId"`
	ToolUseID string            `json:"toolUseId"`
	Answers   map[string]string `json:"answers"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// publicError returns what a caller may see of err.
func publicError(err error) (status int, code, message string) {
	appCode, message, kind := apperrors.Public(err)
	code = kind
	if code == "" {
		code = strings.ToLower(appCode)
	}
	return apperrors.GetHTTPStatus(err), code, message
}

func writeError(c *gin.Context, err error) {
	status, code, message := publicError(err)
	httpmw.SetErrorCode(c, code)
	c.JSON(status, errorResponse{Error: message, Code: code})
}

func abortWithError(c *gin.Context, err error) {
	status, code, message := publicError(err)
	httpmw.SetErrorCode(c, code)
	c.AbortWithStatusJSON(status, errorResponse{Error: message, Code: code})
}

func invalidPayload() error {
	return apperrors.BadRequest("invalid payload").WithKind(orchestrator.CodeInvalidInput)
}

// httpSandboxStatus runs EnsureWarm. A warm-up that has started keeps going
// after the poller disconnects; the next poll sees its result.
func (h *handlers) httpSandboxStatus(c *gin.Context) {
	ctx, cancel := appctx.Detached(c.Request.Context(), h.opts.WarmTimeout)
	defer cancel()

	status, err := h.svc.EnsureWarm(ctx, callerID(c), c.Query("projectId"))
	if err != nil {
		h.logger.Warn("ensure warm failed",
			zap.String("project_id", c.Query("projectId")),
			zap.String("code", status.Code),
			zap.Error(err))
		c.JSON(apperrors.GetHTTPStatus(err), status)
		return
	}
	code := http.StatusOK
	if status.Retryable() {
		code = http.StatusAccepted
	}
	c.JSON(code, status)
}

func (h *handlers) httpListRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, apperrors.ValidationError("limit", "must be a non-negative integer").WithKind(orchestrator.CodeInvalidInput))
			return
		}
		limit = n
	}
	runs, err := h.svc.ListRuns(c.Request.Context(), callerID(c), c.Query("projectId"), limit)
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *handlers) httpSubmitAnswers(c *gin.Context) {
	var req answersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidPayload())
		return
	}
	if len(req.Answers) == 0 {
		writeError(c, apperrors.ValidationError("answers", "at least one answer is required").WithKind(orchestrator.CodeInvalidInput))
		return
	}
	if _, err := h.svc.SubmitAnswers(c.Request.Context(), callerID(c), req.ProjectID, req.ToolUseID, req.Answers); err != nil {
		h.logger.Warn("failed to submit answers",
			zap.String("project_id", req.ProjectID),
			zap.String("tool_use_id", req.ToolUseID),
			zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// httpSendMessage streams a session as Server-Sent Events. Errors raised
// before the first event are plain JSON responses.
func (h *handlers) httpSendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidPayload())
		return
	}

	sink := newSSESink(c)
	err := h.svc.SendMessage(c.Request.Context(), callerID(c), req.ProjectID, req.toMessage(), sink)
	if err == nil {
		return
	}
	if !sink.started {
		writeError(c, err)
		return
	}
	h.logger.Info("session stream ended with error",
		zap.String("project_id", req.ProjectID),
		zap.Error(err))
}
