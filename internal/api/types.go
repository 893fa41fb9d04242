package api

import (
	"time"

	"github.com/satriahrh/tabscribe/domain/entities"
)

// TokenRequest represents the request payload for connection tokens
type TokenRequest struct {
	ClientID string `json:"client_id" validate:"required,max=128"`
	Role     string `json:"role" validate:"required,oneof=panel capture"`
	Secret   string `json:"secret" validate:"required"`
}

// TokenResponse represents the response payload for connection tokens
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
	Role      string    `json:"role"`
}

// APIKeyRequest replaces the primary cloud credential
type APIKeyRequest struct {
	APIKey string `json:"api_key" validate:"required,min=10"`
}

// TranscriptListResponse lists archived transcripts, newest first
type TranscriptListResponse struct {
	Transcripts []entities.TranscriptRecord `json:"transcripts"`
	Count       int                         `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
