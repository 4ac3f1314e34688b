package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skobelin/duelbroker/backend/auth"
	"github.com/skobelin/duelbroker/backend/model"
)

const (
	defaultDisplayName = "Player"

	defaultLookupTimeout = 3 * time.Second
)

var ErrLookupFailed = errors.New("avatar lookup failed")

// Build assembles the public profile for a connection. Returns nil for
// anonymous connections (no identity declared or verified).
func Build(ident *auth.Identity, connID string) *model.Profile {
	if ident == nil {
		return nil
	}
	p := &model.Profile{
		ID:        connID,
		Username:  ident.Username,
		AvatarURL: ident.PhotoURL,
		ConnID:    connID,
	}
	if ident.ID != 0 {
		p.ID = strconv.FormatInt(ident.ID, 10)
	}
	parts := make([]string, 0, 2)
	for _, s := range []string{ident.FirstName, ident.LastName} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	switch {
	case len(parts) > 0:
		p.DisplayName = strings.Join(parts, " ")
	case ident.Username != "":
		p.DisplayName = ident.Username
	default:
		p.DisplayName = defaultDisplayName
	}
	return p
}

// AvatarLookup resolves an avatar image URL for a user. Implementations are
// best-effort; a failed lookup has no side effects.
type AvatarLookup interface {
	Lookup(ctx context.Context, userID string) (string, error)
}

// HTTPLookup queries an external avatar service over HTTP.
type HTTPLookup struct {
	base   string
	client *http.Client
}

func NewHTTPLookup(baseURL string) *HTTPLookup {
	return &HTTPLookup{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: defaultLookupTimeout},
	}
}

func (l *HTTPLookup) Lookup(ctx context.Context, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.base+"/"+url.PathEscape(userID), nil)
	if err != nil {
		return "", errors.Join(ErrLookupFailed, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", errors.Join(ErrLookupFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}
	var body struct {
		URL string `json:"url"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Join(ErrLookupFailed, err)
	}
	return body.URL, nil
}
