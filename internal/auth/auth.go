package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/straja-ai/hazardfuse/internal/config"
)

// KeyHeader is accepted as an alternative to an Authorization bearer token,
// for dashcam firmware that cannot set Authorization.
const KeyHeader = "X-Hazardfuse-Key"

var (
	ErrMissingKey = errors.New("missing api key")
	ErrUnknownKey = errors.New("invalid api key")
)

// Client is the runtime identity of a calling fleet or device group.
type Client struct {
	ID string
}

// Auth maps API keys to clients. With no clients configured every request
// is accepted as the anonymous client.
type Auth struct {
	apiKeyToClient map[string]Client
}

// NewFromConfig builds an Auth instance from the loaded config.
func NewFromConfig(cfg *config.Config) (*Auth, error) {
	m := make(map[string]Client)

	for _, c := range cfg.Clients {
		if c.ID == "" {
			return nil, errors.New("client with empty id in config")
		}
		for _, key := range c.APIKeys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if owner, exists := m[key]; exists && owner.ID != c.ID {
				return nil, fmt.Errorf("api key is assigned to clients %q and %q", owner.ID, c.ID)
			}
			m[key] = Client{ID: c.ID}
		}
	}

	return &Auth{apiKeyToClient: m}, nil
}

// Enabled reports whether any API key is configured.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.apiKeyToClient) > 0
}

// Lookup returns the client for a given API key, if any.
func (a *Auth) Lookup(apiKey string) (Client, bool) {
	if a == nil {
		return Client{}, false
	}
	c, ok := a.apiKeyToClient[apiKey]
	return c, ok
}

// Authenticate resolves the caller of r. When auth is disabled it returns
// the zero Client and no error.
func (a *Auth) Authenticate(r *http.Request) (Client, error) {
	if !a.Enabled() {
		return Client{}, nil
	}
	key, ok := ParseBearerToken(r.Header.Get("Authorization"))
	if !ok {
		key = strings.TrimSpace(r.Header.Get(KeyHeader))
	}
	if key == "" {
		return Client{}, ErrMissingKey
	}
	c, ok := a.Lookup(key)
	if !ok {
		return Client{}, ErrUnknownKey
	}
	return c, nil
}

// ParseBearerToken extracts the token from an Authorization: Bearer header.
func ParseBearerToken(h string) (string, bool) {
	if h == "" {
		return "", false
	}
	parts := strings.Fields(h)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
