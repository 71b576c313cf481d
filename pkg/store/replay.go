package store

import (
	"context"
	"fmt"
	"time"

	"github.com/anumate/enforcement-core/pkg/replay"
)

// ReplayStore implements replay.DurableStore on the replay_protection
// table.
type ReplayStore struct {
	sql *SQL
}

// Upsert inserts the first-use row or atomically increments the usage
// counter. ON CONFLICT ... RETURNING works on both Postgres and
// SQLite 3.35+, so the whole round trip is one statement.
func (s *ReplayStore) Upsert(ctx context.Context, rec replay.Record) (replay.Record, error) {
	row := s.sql.queryRow(ctx, `
		INSERT INTO replay_protection
			(token_jti, token_hash, expires_at, first_seen_ip, usage_count,
			 first_seen_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token_jti) DO UPDATE SET
			usage_count = replay_protection.usage_count + 1,
			last_used_at = excluded.last_used_at
		RETURNING token_jti, token_hash, expires_at, first_seen_ip,
			usage_count, first_seen_at, last_used_at`,
		rec.JTI, rec.TokenHash, rec.ExpiresAt.UTC(), nullString(rec.FirstSeenIP),
		rec.UsageCount, rec.FirstSeenAt.UTC(), rec.LastUsedAt.UTC())

	var (
		out replay.Record
		ip  *string
	)
	err := row.Scan(&out.JTI, &out.TokenHash, &out.ExpiresAt, &ip,
		&out.UsageCount, &out.FirstSeenAt, &out.LastUsedAt)
	if err != nil {
		return replay.Record{}, fmt.Errorf("upsert replay record: %w", err)
	}
	if ip != nil {
		out.FirstSeenIP = *ip
	}
	return out, nil
}

func (s *ReplayStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.sql.exec(ctx,
		`DELETE FROM replay_protection WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired replay records: %w", err)
	}
	return res.RowsAffected()
}
