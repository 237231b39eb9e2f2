package relay

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

const tokenBytes = 32

// GenerateToken returns 256 random bits, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Credentials maps bearer tokens to server identities and manages server
// registration and token rotation.
type Credentials struct {
	store    Store
	newToken func() (string, error)
}

func NewCredentials(store Store) *Credentials {
	return &Credentials{store: store, newToken: GenerateToken}
}

// Resolve returns the server a token belongs to and the tenants it is linked
// to. On a miss it gives the legacy single-tenant scheme one chance to claim
// the token.
func (c *Credentials) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrNotFound
	}
	srv, err := c.store.ServerByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		srv, err = c.migrateLegacy(ctx, token)
	}
	if err != nil {
		return Identity{}, err
	}
	tenants, err := c.store.LinkedTenants(ctx, srv.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("linked tenants for %s: %w", srv.Label, err)
	}
	return Identity{Server: srv, Tenants: tenants}, nil
}

func (c *Credentials) migrateLegacy(ctx context.Context, token string) (Server, error) {
	srv, err := c.store.MigrateLegacyToken(ctx, token)
	if err == nil {
		log.Info().Str("server", srv.Label).Int64("serverId", srv.ID).Msg("migrated legacy tenant token")
		return srv, nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		// A concurrent resolve may have finished the migration first.
		return c.store.ServerByToken(ctx, token)
	}
	return Server{}, fmt.Errorf("migrate legacy token: %w", err)
}

// RegisterOrLink registers label on first use, or proves knowledge of its
// token on later calls, and links the server to tenantID when given.
// A new server keeps the supplied token or gets a generated one.
func (c *Credentials) RegisterOrLink(ctx context.Context, label, token, tenantID string) (Server, error) {
	label = strings.TrimSpace(label)
	token = strings.TrimSpace(token)
	if label == "" {
		return Server{}, fmt.Errorf("%w: label is required", ErrInvalidInput)
	}

	srv, err := c.store.ServerByLabel(ctx, label)
	switch {
	case err == nil:
		if token == "" {
			return Server{}, ErrTokenRequired
		}
		if subtle.ConstantTimeCompare([]byte(srv.Token), []byte(token)) != 1 {
			return Server{}, ErrTokenInvalid
		}
	case errors.Is(err, ErrNotFound):
		if token == "" {
			if token, err = c.newToken(); err != nil {
				return Server{}, err
			}
		}
		srv, err = c.store.CreateServer(ctx, label, token)
		if err != nil {
			return Server{}, err
		}
		log.Info().Str("server", label).Int64("serverId", srv.ID).Msg("registered server")
	default:
		return Server{}, err
	}

	if tenantID != "" {
		if err := c.store.LinkServer(ctx, srv.ID, tenantID); err != nil {
			return Server{}, fmt.Errorf("link %s to %s: %w", label, tenantID, err)
		}
	}
	return srv, nil
}

// Rotate issues a fresh token for label. Unless requesterAuthorized is set
// the caller must present the current token. The previous token stops
// resolving as soon as the swap commits.
func (c *Credentials) Rotate(ctx context.Context, label, currentToken string, requesterAuthorized bool) (Server, error) {
	label = strings.TrimSpace(label)
	currentToken = strings.TrimSpace(currentToken)
	if _, err := c.store.ServerByLabel(ctx, label); err != nil {
		return Server{}, err
	}
	expected := ""
	if !requesterAuthorized {
		if currentToken == "" {
			return Server{}, ErrTokenInvalid
		}
		expected = currentToken
	}
	next, err := c.newToken()
	if err != nil {
		return Server{}, err
	}
	srv, err := c.store.ReplaceServerToken(ctx, label, expected, next)
	if err != nil {
		return Server{}, err
	}
	log.Info().Str("server", label).Bool("override", requesterAuthorized).Msg("rotated server token")
	return srv, nil
}
