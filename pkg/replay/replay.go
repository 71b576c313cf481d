// Package replay provides at-most-once detection of token re-presentation.
// The first verification of a JTI creates its record; every subsequent
// verification increments the counter atomically and is reported as a
// replay. Replays are audited, never failed.
package replay

import (
	"context"
	"log/slog"
	"time"
)

// Record is the stored first-use state of a JTI.
type Record struct {
	JTI         string    `json:"jti"`
	TokenHash   string    `json:"token_hash"`
	ExpiresAt   time.Time `json:"expires_at"`
	FirstSeenIP string    `json:"first_seen_ip,omitempty"`
	UsageCount  int64     `json:"usage_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Result is returned by a check-and-record round trip.
type Result struct {
	IsReplay    bool      `json:"is_replay"`
	UsageCount  int64     `json:"usage_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Guard is the contract consumed by token verification.
type Guard interface {
	// CheckAndRecord registers one use of jti. Exactly one concurrent
	// caller observes IsReplay=false; the aggregate UsageCount equals the
	// number of calls. The record lives until expiresAt.
	CheckAndRecord(ctx context.Context, tokenHash, jti string, expiresAt time.Time, clientIP string) (Result, error)
}

// DurableStore is the transactional backing store. It doubles as the audit
// trail and as the fallback path when the fast store is down.
type DurableStore interface {
	// Upsert inserts the record on first use or increments the counter,
	// atomically, and returns the post-update state.
	Upsert(ctx context.Context, rec Record) (Record, error)
	// DeleteExpired removes records whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StoreGuard runs replay protection directly on the durable store.
type StoreGuard struct {
	store DurableStore
}

func NewStoreGuard(store DurableStore) *StoreGuard {
	return &StoreGuard{store: store}
}

func (g *StoreGuard) CheckAndRecord(ctx context.Context, tokenHash, jti string, expiresAt time.Time, clientIP string) (Result, error) {
	now := time.Now().UTC()
	rec, err := g.store.Upsert(ctx, Record{
		JTI:         jti,
		TokenHash:   tokenHash,
		ExpiresAt:   expiresAt,
		FirstSeenIP: clientIP,
		UsageCount:  1,
		FirstSeenAt: now,
		LastUsedAt:  now,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		IsReplay:    rec.UsageCount > 1,
		UsageCount:  rec.UsageCount,
		FirstSeenAt: rec.FirstSeenAt,
		LastUsedAt:  rec.LastUsedAt,
	}, nil
}

// FallbackGuard serves the hot path from a fast store and falls back to the
// durable store when the fast store errors. Successful fast-path hits are
// mirrored to the durable store best-effort for the audit trail.
type FallbackGuard struct {
	fast    Guard
	durable DurableStore
	logger  *slog.Logger
}

func NewFallbackGuard(fast Guard, durable DurableStore) *FallbackGuard {
	return &FallbackGuard{
		fast:    fast,
		durable: durable,
		logger:  slog.Default().With("component", "replay"),
	}
}

func (g *FallbackGuard) CheckAndRecord(ctx context.Context, tokenHash, jti string, expiresAt time.Time, clientIP string) (Result, error) {
	res, err := g.fast.CheckAndRecord(ctx, tokenHash, jti, expiresAt, clientIP)
	if err == nil {
		g.mirror(ctx, tokenHash, jti, expiresAt, clientIP, res)
		return res, nil
	}

	g.logger.Warn("fast replay store unavailable, falling back to durable store",
		"jti", jti, "error", err)

	durable := NewStoreGuard(g.durable)
	return durable.CheckAndRecord(ctx, tokenHash, jti, expiresAt, clientIP)
}

func (g *FallbackGuard) mirror(ctx context.Context, tokenHash, jti string, expiresAt time.Time, clientIP string, res Result) {
	_, err := g.durable.Upsert(ctx, Record{
		JTI:         jti,
		TokenHash:   tokenHash,
		ExpiresAt:   expiresAt,
		FirstSeenIP: clientIP,
		UsageCount:  res.UsageCount,
		FirstSeenAt: res.FirstSeenAt,
		LastUsedAt:  res.LastUsedAt,
	})
	if err != nil {
		g.logger.Warn("replay audit mirror failed", "jti", jti, "error", err)
	}
}
