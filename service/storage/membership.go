// Package storage holds the gateway's read-only database accessors.
package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"FoxChat/logger"
)

// PGMembership answers chat-membership questions from the relational
// schema owned by the HTTP application. The gateway only ever reads.
type PGMembership struct {
	pool *pgxpool.Pool
}

func NewPGMembership(ctx context.Context, dsn string) (*PGMembership, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PGMembership{pool: pool}, nil
}

// IsParticipant reports whether the user belongs to the chat.
func (m *PGMembership) IsParticipant(ctx context.Context, userID int64, chatUUID string) (bool, error) {
	const q = `SELECT 1 FROM chat_participants cp
		JOIN chats c ON cp.chat_id = c.id
		WHERE cp.user_id = $1 AND c.uuid = $2`

	var one int
	err := m.pool.QueryRow(ctx, q, userID, chatUUID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "membership query")
	}
	return true, nil
}

func (m *PGMembership) Close() {
	m.pool.Close()
}

// AllowAllMembership is the fallback when no database is configured:
// every subscription is allowed and the gap is logged.
type AllowAllMembership struct{}

func (AllowAllMembership) IsParticipant(_ context.Context, userID int64, chatUUID string) (bool, error) {
	logger.Warnf("no database configured, allowing user %d into chat %s unchecked", userID, chatUUID)
	return true, nil
}
