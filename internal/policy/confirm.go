package policy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/store"
)

// DefaultConfirmTTL bounds how long a confirmation token stays valid.
const DefaultConfirmTTL = 15 * time.Minute

// Gate issues and redeems confirmation tokens persisted in the store, so a
// token survives a Madre restart.
type Gate struct {
	store *store.Store
	ttl   time.Duration
}

// NewGate creates a confirmation gate.
func NewGate(s *store.Store, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultConfirmTTL
	}
	return &Gate{store: s, ttl: ttl}
}

// Issue stores a new pending token for (target, action).
func (g *Gate) Issue(ctx context.Context, intentID, planID, target, action string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	c := &store.Confirmation{Token: token, IntentID: intentID, PlanID: planID, Target: target, Action: action}
	if err := g.store.CreateConfirmation(ctx, c, g.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Redeem consumes a pending token for (target, action). A token is usable
// once; mismatches are policy denials.
func (g *Gate) Redeem(ctx context.Context, target, action, token string) (*store.Confirmation, error) {
	if token == "" {
		return nil, apierr.New(apierr.KindPolicyDenied, "confirm_token required")
	}
	pending, err := g.store.PendingConfirmations(ctx, target, action)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		c := &pending[i]
		if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) != 1 {
			continue
		}
		ok, err := g.store.ConsumeConfirmation(ctx, c.Token)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		return c, nil
	}
	slog.Warn("Confirmation token rejected", "target", target, "action", action)
	return nil, apierr.New(apierr.KindPolicyDenied, "confirm_token mismatch")
}

// NewToken returns a URL-safe random token.
func NewToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("confirm token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
