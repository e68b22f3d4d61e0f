// Package authz verifies bearer credentials against the external identity
// service and attaches the resulting identity to the request context.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kylejryan/audio-transcription-portal/internal/httpx"
	"github.com/kylejryan/audio-transcription-portal/internal/models"
)

// ErrUnauthorized is returned when a credential is absent, invalid, or
// expired.
var ErrUnauthorized = errors.New("unauthorized")

const devBypassHeader = "x-user-sub"

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// Client verifies tokens against the identity service over HTTP with a
// short bounded timeout. Timeout or transport failure is a fault of the
// call, not an unauthorized signal.
type Client struct {
	URL  string
	HTTP *http.Client
}

// NewClient builds a verifier with the given timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

type verifyResponse struct {
	User *models.Identity `json:"user"`
}

// Verify posts the token to the identity service.
func (c *Client) Verify(ctx context.Context, token string) (models.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, nil)
	if err != nil {
		return models.Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return models.Identity{}, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return models.Identity{}, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return models.Identity{}, fmt.Errorf("verify token: status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.User == nil || body.User.ID == "" {
		return models.Identity{}, ErrUnauthorized
	}
	id := *body.User
	if id.Role == "" {
		id.Role = "user"
	}
	return id, nil
}

type ctxKey struct{}

// FromContext returns the identity attached by Middleware.
func FromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(models.Identity)
	return id, ok
}

// Middleware authenticates every request with the verifier. With devBypass
// enabled, the x-user-sub header short-circuits verification for local
// development.
func Middleware(v Verifier, devBypass bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if devBypass {
				if sub := strings.TrimSpace(r.Header.Get(devBypassHeader)); sub != "" {
					id := models.Identity{ID: sub, Role: r.Header.Get("x-user-role")}
					if id.Role == "" {
						id.Role = "user"
					}
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
					return
				}
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(auth[len("bearer "):])

			id, err := v.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					httpx.Error(w, http.StatusUnauthorized, "invalid or expired token")
					return
				}
				logger.Error("identity verification failed", "error", err)
				httpx.Error(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		})
	}
}

// RequireAdmin rejects requests whose identity lacks the privileged role.
// Must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if !id.Admin() {
			httpx.Error(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
