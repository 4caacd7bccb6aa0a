// Package auth validates project tokens, either against a remote
// validator endpoint or locally as signed JWTs.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	harvest "github.com/fieldlabs/harvest"
)

// TokenValidator checks a bearer token. A nil return means valid; any
// failure, including the validator being unreachable, denies access.
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// New selects a validator from configuration: the remote endpoint when
// configured, otherwise local JWT verification.
func New(cfg harvest.AuthConfig) (TokenValidator, error) {
	if cfg.ValidatorURL != "" {
		return NewRemote(cfg.ValidatorURL), nil
	}
	if cfg.JWTSecret != "" {
		return NewJWT([]byte(cfg.JWTSecret)), nil
	}
	return nil, fmt.Errorf("%w: no token validator configured", harvest.ErrInvalidInput)
}

// Remote validates tokens against an external endpoint. It fails closed:
// a validator that cannot be reached denies the token.
type Remote struct {
	url  string
	http *http.Client
}

// NewRemote builds a remote validator.
func NewRemote(url string) *Remote {
	return &Remote{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Validate posts the token and accepts only an explicit {"valid": true}.
func (r *Remote) Validate(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", harvest.ErrAuthDenied)
	}

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		// Unreachable validator never validates.
		return fmt.Errorf("%w: validator unreachable: %v", harvest.ErrAuthDenied, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: validator status %d", harvest.ErrAuthDenied, resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("%w: reading validator response: %v", harvest.ErrAuthDenied, err)
	}
	var verdict struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(respBody, &verdict); err != nil || !verdict.Valid {
		return fmt.Errorf("%w: token rejected", harvest.ErrAuthDenied)
	}
	return nil
}

// JWT validates HMAC-signed tokens locally.
type JWT struct {
	secret []byte
}

// NewJWT builds a local validator over a shared secret.
func NewJWT(secret []byte) *JWT {
	return &JWT{secret: secret}
}

// Validate parses and verifies the token signature and expiry.
func (j *JWT) Validate(_ context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", harvest.ErrAuthDenied)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", harvest.ErrAuthDenied, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: invalid token", harvest.ErrAuthDenied)
	}
	return nil
}
