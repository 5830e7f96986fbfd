package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"disputeflow/db"
)

// ErrChallengeReplayed signals a login signature that was already used.
var ErrChallengeReplayed = errors.New("auth: login signature already used")

// Repository remembers consumed login challenges until they expire.
type Repository interface {
	ConsumeChallenge(ctx context.Context, digest common.Hash, address common.Address, expiresAt time.Time) error
	PruneChallenges(ctx context.Context, before time.Time) (int64, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

func (r *PGRepository) ConsumeChallenge(ctx context.Context, digest common.Hash, address common.Address, expiresAt time.Time) error {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO login_challenges (digest, address, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (digest) DO NOTHING
	`, digest.Hex(), address.Hex(), expiresAt)
	if err != nil {
		return fmt.Errorf("auth: consume challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChallengeReplayed
	}
	return nil
}

func (r *PGRepository) PruneChallenges(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM login_challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("auth: prune challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}
