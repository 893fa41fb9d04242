package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/auth"
	"github.com/satriahrh/tabscribe/internal/websocket"
)

const claimsKey = "claims"

// SessionController is the recording surface exposed over REST
type SessionController interface {
	StartRecording(ctx context.Context, req domain.StartRecordingData) (*domain.SessionInfo, error)
	PauseRecording() (*domain.SessionInfo, error)
	ResumeRecording() (*domain.SessionInfo, error)
	StopRecording(ctx context.Context) (*domain.SessionInfo, error)
	SessionInfo() domain.SessionInfo
	Export(format string) (domain.TranscriptExportData, error)
	SetAPIKey(ctx context.Context, apiKey string) error
}

// Dependencies of the HTTP surface. Archive is optional.
type Dependencies struct {
	Hub             *websocket.Hub
	Sessions        SessionController
	Archive         repositories.TranscriptRepository
	Tokens          *auth.TokenIssuer
	ExtensionSecret string
}

type handlers struct {
	deps     Dependencies
	validate *validator.Validate
	logger   *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	h := &handlers{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}

	// Health check
	e.GET("/health", h.health)

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/token", h.issueToken)

	panel := v1.Group("", h.requireRole(auth.RolePanel))
	panel.GET("/session", h.getSession)
	panel.POST("/session/start", h.startSession)
	panel.POST("/session/pause", h.pauseSession)
	panel.POST("/session/resume", h.resumeSession)
	panel.POST("/session/stop", h.stopSession)
	panel.GET("/session/transcript", h.exportTranscript)
	panel.GET("/transcripts", h.listTranscripts)
	panel.GET("/transcripts/:id", h.getTranscript)
	panel.POST("/settings/api-key", h.setAPIKey)

	// WebSocket endpoints with JWT validation
	e.GET("/ws/panel", func(c echo.Context) error {
		claims, err := h.authenticate(c, auth.RolePanel)
		if err != nil {
			return err
		}
		return websocket.HandlePanel(deps.Hub, c, claims.ClientID)
	})
	e.GET("/ws/capture", func(c echo.Context) error {
		claims, err := h.authenticate(c, auth.RoleCapture)
		if err != nil {
			return err
		}
		return websocket.HandleCapture(deps.Hub, c, claims.ClientID)
	})
}

func (h *handlers) health(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"service": "tabscribe",
	}
	if h.deps.Hub != nil {
		resp["panels"] = h.deps.Hub.ClientCount()
		resp["agents"] = h.deps.Hub.AgentCount()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handlers) issueToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: err.Error(),
		})
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.deps.ExtensionSecret)) != 1 {
		h.logger.Warn("Token request rejected",
			zap.String("client_id", req.ClientID),
			zap.String("role", req.Role))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid extension secret",
		})
	}

	role, err := auth.ParseRole(req.Role)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_role", Message: err.Error()})
	}

	token, expiresAt, err := h.deps.Tokens.GenerateToken(req.ClientID, role)
	if err != nil {
		h.logger.Error("Failed to generate token",
			zap.String("client_id", req.ClientID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.logger.Info("Token issued",
		zap.String("client_id", req.ClientID),
		zap.String("role", req.Role))

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		ClientID:  req.ClientID,
		Role:      req.Role,
	})
}

func (h *handlers) getSession(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Sessions.SessionInfo())
}

func (h *handlers) startSession(c echo.Context) error {
	var req domain.StartRecordingData
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid request format",
			})
		}
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	}

	info, err := h.deps.Sessions.StartRecording(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *handlers) pauseSession(c echo.Context) error {
	info, err := h.deps.Sessions.PauseRecording()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *handlers) resumeSession(c echo.Context) error {
	info, err := h.deps.Sessions.ResumeRecording()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *handlers) stopSession(c echo.Context) error {
	info, err := h.deps.Sessions.StopRecording(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *handlers) exportTranscript(c echo.Context) error {
	format := c.QueryParam("format")
	if format != "" && format != "json" && format != "txt" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_format",
			Message: "format must be json or txt",
		})
	}

	export, err := h.deps.Sessions.Export(format)
	if err != nil {
		return writeError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", export.Filename))
	if export.Format == "txt" {
		return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, []byte(export.Content))
	}
	return c.JSONBlob(http.StatusOK, []byte(export.Content))
}

func (h *handlers) listTranscripts(c echo.Context) error {
	if h.deps.Archive == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "archive_disabled",
			Message: "No transcript archive is configured",
		})
	}

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be between 1 and 100",
			})
		}
		limit = n
	}

	records, err := h.deps.Archive.ListRecent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list transcripts", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "archive_error",
			Message: "Failed to list transcripts",
		})
	}
	return c.JSON(http.StatusOK, TranscriptListResponse{Transcripts: records, Count: len(records)})
}

func (h *handlers) getTranscript(c echo.Context) error {
	if h.deps.Archive == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "archive_disabled",
			Message: "No transcript archive is configured",
		})
	}

	record, err := h.deps.Archive.GetBySessionID(c.Request().Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to load transcript", zap.String("session_id", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "archive_error",
			Message: "Failed to load transcript",
		})
	}
	if record == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
	}
	return c.JSON(http.StatusOK, record)
}

func (h *handlers) setAPIKey(c echo.Context) error {
	var req APIKeyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, domain.APIKeyResponseData{Error: "api key must be at least 10 characters"})
	}

	if err := h.deps.Sessions.SetAPIKey(c.Request().Context(), req.APIKey); err != nil {
		h.logger.Warn("Rejected API key", zap.Error(err))
		return c.JSON(http.StatusBadRequest, domain.APIKeyResponseData{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, domain.APIKeyResponseData{Success: true})
}

// requireRole rejects REST calls without a valid token for role
func (h *handlers) requireRole(role auth.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := h.authenticate(c, role)
			if err != nil {
				return err
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// authenticate validates the request token. On failure it has already
// written the response and returns a non-nil error.
func (h *handlers) authenticate(c echo.Context, role auth.Role) (*auth.JWTClaims, error) {
	token, err := auth.ExtractToken(c.Request())
	if err != nil {
		h.logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
		return nil, echo.NewHTTPError(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in the Authorization header or token query parameter",
		})
	}

	claims, err := h.deps.Tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("Request rejected: invalid token", zap.String("path", c.Path()), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != role {
		h.logger.Warn("Request rejected: invalid role",
			zap.String("path", c.Path()),
			zap.String("role", string(claims.Role)))
		return nil, echo.NewHTTPError(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: fmt.Sprintf("Only %s tokens are allowed here", role),
		})
	}

	if claims.ClientID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Client ID not found in token",
		})
	}
	return claims, nil
}

// writeError maps session errors onto status codes
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, domain.ErrNoSession):
		status, code = http.StatusNotFound, "no_session"
	case errors.Is(err, domain.ErrSessionActive):
		status, code = http.StatusConflict, "session_active"
	case errors.Is(err, domain.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrCaptureUnavailable):
		status, code = http.StatusUnprocessableEntity, "capture_unavailable"
	case errors.Is(err, domain.ErrProviderUnavailable):
		status, code = http.StatusServiceUnavailable, "provider_unavailable"
	}
	return c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}
