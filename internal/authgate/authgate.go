// Copyright 2025 James Ross
package authgate

import (
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/config"
	"go.uber.org/zap"
)

// Identity is what a verified bearer credential resolves to (§4.9).
type Identity struct {
	SubjectID    string
	Capabilities []string
	IsAdmin      bool
	ExpiresAt    time.Time
}

// HasCapability reports whether id is an admin or explicitly holds cap.
func (id Identity) HasCapability(cap string) bool {
	if id.IsAdmin {
		return true
	}
	for _, c := range id.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

type claims struct {
	Capabilities []string `json:"capabilities"`
	IsAdmin      bool     `json:"is_admin"`
	jwt.RegisteredClaims
}

// AuthGate verifies bearer credentials against an asymmetric public key,
// refetching the key on a timer so rotation doesn't require a restart
// (§4.9). When cfg.Disabled is set, Verify bypasses signature checking
// entirely and returns a synthetic all-capabilities Identity — development
// only; New logs one Warn when the gate is built, and the bypassed Verify
// calls themselves are not logged.
type AuthGate struct {
	cfg    *config.Auth
	log    *zap.Logger
	client *http.Client

	mu  sync.RWMutex
	key *rsa.PublicKey
}

func New(cfg *config.Auth, log *zap.Logger) (*AuthGate, error) {
	g := &AuthGate{cfg: cfg, log: log, client: &http.Client{Timeout: 10 * time.Second}}
	if cfg.Disabled {
		log.Warn("authgate: auth_disabled is set, verification is bypassed")
		return g, nil
	}
	if err := g.refreshKey(); err != nil {
		return nil, err
	}
	if cfg.KeyRefresh > 0 {
		go g.refreshLoop()
	}
	return g, nil
}

func (g *AuthGate) refreshLoop() {
	ticker := time.NewTicker(g.cfg.KeyRefresh)
	defer ticker.Stop()
	for range ticker.C {
		if err := g.refreshKey(); err != nil {
			g.log.Error("authgate: public key refresh failed", zap.Error(err))
		}
	}
}

func (g *AuthGate) refreshKey() error {
	pem, err := g.fetchPublicKeyPEM()
	if err != nil {
		return err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return fmt.Errorf("authgate: parse public key: %w", err)
	}
	g.mu.Lock()
	g.key = key
	g.mu.Unlock()
	return nil
}

func (g *AuthGate) fetchPublicKeyPEM() ([]byte, error) {
	if g.cfg.PublicKeyPath != "" {
		return os.ReadFile(g.cfg.PublicKeyPath)
	}
	resp, err := g.client.Get(g.cfg.PublicKeyURL)
	if err != nil {
		return nil, fmt.Errorf("authgate: fetch public key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authgate: public key endpoint returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Verify checks token's signature and expiry and returns the caller's
// Identity, or apperr.AuthFailed.
func (g *AuthGate) Verify(token string) (Identity, error) {
	if g.cfg.Disabled {
		return Identity{SubjectID: "dev", Capabilities: []string{"*"}, IsAdmin: true, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
	}

	g.mu.RLock()
	key := g.key
	g.mu.RUnlock()
	if key == nil {
		return Identity{}, apperr.New(apperr.AuthFailed, "authgate: no public key loaded")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, apperr.Wrap(apperr.AuthFailed, "token verification failed", err)
	}

	exp, err := c.GetExpirationTime()
	if err != nil || exp == nil {
		return Identity{}, apperr.New(apperr.AuthFailed, "token has no expiry")
	}

	return Identity{
		SubjectID:    c.Subject,
		Capabilities: c.Capabilities,
		IsAdmin:      c.IsAdmin,
		ExpiresAt:    exp.Time,
	}, nil
}
