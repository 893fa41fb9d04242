package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Token is a signed connection token as returned by POST /api/v1/token
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
	Role      Role      `json:"role"`
}

// RequestToken exchanges the extension secret for a token with the given role.
// baseURL is the orchestrator's HTTP origin, e.g. http://localhost:8080.
func RequestToken(ctx context.Context, client *http.Client, baseURL, clientID string, role Role, secret string) (Token, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(map[string]string{
		"client_id": clientID,
		"role":      string(role),
		"secret":    secret,
	})
	if err != nil {
		return Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/v1/token", bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("token request rejected (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var token Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return Token{}, fmt.Errorf("invalid token response: %w", err)
	}
	if token.Token == "" {
		return Token{}, fmt.Errorf("token response carried no token")
	}
	return token, nil
}
