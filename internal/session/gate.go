// Package session implements the session gate: the single authority on
// whether a scan may leave the machine with a credential attached. Sessions
// live in the shared store so every UI surface renders the same auth state.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/nymai/scand/internal/identity"
	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/shared/types"
	"github.com/nymai/scand/internal/store"
)

// ErrUnauthenticated is returned when no usable session exists. Callers map
// it to a 401-class outcome; the gate never invents one itself.
var ErrUnauthenticated = errors.New("no authenticated session")

// ErrOriginRejected is returned when an external session handoff comes from
// an origin outside the allow-list.
var ErrOriginRejected = errors.New("origin not allowed")

// Gate guards scan execution behind a valid session.
type Gate struct {
	store          *store.Store
	identity       *identity.Client
	log            *logging.Logger
	allowedOrigins []string
}

// New creates a session gate. identity may be nil when no provider is
// configured; stored sessions are then trusted as-is until they expire.
func New(st *store.Store, id *identity.Client, allowedOrigins []string, log *logging.Logger) *Gate {
	return &Gate{
		store:          st,
		identity:       id,
		log:            log.Named("session"),
		allowedOrigins: allowedOrigins,
	}
}

// Current returns the stored session, or nil when absent.
func (g *Gate) Current() *types.Session {
	var sess types.Session
	ok, err := g.store.GetJSON(store.KeySession, &sess)
	if err != nil {
		g.log.Warn("stored session is corrupt", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &sess
}

// Ensure returns a session fit to authorize a scan. An expired session is
// refreshed through the provider when possible; a session that cannot be
// made usable yields ErrUnauthenticated.
func (g *Gate) Ensure(ctx context.Context) (*types.Session, error) {
	sess := g.Current()
	if !sess.Authenticated() {
		return nil, ErrUnauthenticated
	}

	if !sess.Expired(time.Now()) {
		return sess, nil
	}

	if g.identity == nil || !g.identity.Enabled() || sess.RefreshToken == "" {
		return nil, ErrUnauthenticated
	}

	fresh, err := g.identity.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		g.log.Warn("session refresh failed", zap.Error(err))
		return nil, ErrUnauthenticated
	}

	if err := g.store.Set(store.KeySession, fresh); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed session: %w", err)
	}
	return fresh, nil
}

// Login exchanges credentials with the provider and persists the session.
func (g *Gate) Login(ctx context.Context, email, password string) (*types.Session, error) {
	if g.identity == nil || !g.identity.Enabled() {
		return nil, fmt.Errorf("no identity provider configured")
	}

	sess, err := g.identity.Exchange(ctx, email, password)
	if err != nil {
		return nil, err
	}

	if err := g.store.Set(store.KeySession, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	g.log.Info("session established", zap.String("user", userLabel(sess)))
	return sess, nil
}

// AcceptExternal takes a session handed off by a trusted web origin (the
// account site finishing a login flow) and persists it. The origin must
// match the allow-list; the token is validated with the provider when one
// is configured.
func (g *Gate) AcceptExternal(ctx context.Context, origin string, sess *types.Session) error {
	if !g.originAllowed(origin) {
		g.log.Warn("external session rejected", zap.String("origin", origin))
		return ErrOriginRejected
	}
	if !sess.Authenticated() {
		return fmt.Errorf("external session carries no access token")
	}

	if g.identity != nil && g.identity.Enabled() {
		user, err := g.identity.User(ctx, sess.AccessToken)
		if err != nil {
			return fmt.Errorf("external session failed validation: %w", err)
		}
		sess.User = user
	}

	if err := g.store.Set(store.KeySession, sess); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	g.log.Info("external session accepted",
		zap.String("origin", origin),
		zap.String("user", userLabel(sess)),
	)
	return nil
}

// SignOut revokes the session at the provider (best-effort) and clears all
// user-coupled state so the next user of the machine starts clean.
func (g *Gate) SignOut(ctx context.Context) error {
	sess := g.Current()

	if sess.Authenticated() && g.identity != nil && g.identity.Enabled() {
		if err := g.identity.Revoke(ctx, sess.AccessToken); err != nil {
			g.log.Warn("session revoke failed", zap.Error(err))
		}
	}

	var errs []error
	for _, key := range []string{store.KeySession, store.KeyLastScanResult, store.KeyIsScanning} {
		if err := g.store.Remove(key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to clear session state: %w", errors.Join(errs...))
	}
	g.log.Info("signed out")
	return nil
}

func (g *Gate) originAllowed(origin string) bool {
	for _, pattern := range g.allowedOrigins {
		if ok, err := doublestar.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}

func userLabel(sess *types.Session) string {
	if sess != nil && sess.User != nil && sess.User.Email != "" {
		return sess.User.Email
	}
	return "unknown"
}
