package identity

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ProfileStore abstracts repository operations for the service.
type ProfileStore interface {
	Get(ctx context.Context, addr common.Address) (Profile, error)
	SetVerified(ctx context.Context, addr common.Address, verified bool, now time.Time) (Profile, error)
}

// Service answers the single question the dispute core asks of identity.
type Service struct {
	repo ProfileStore
	now  func() time.Time
}

func NewService(repo ProfileStore) *Service {
	return &Service{repo: repo, now: time.Now}
}

// IsVerified reports whether the party passed the external identity check.
// Unknown parties are unverified.
func (s *Service) IsVerified(ctx context.Context, party common.Address) (bool, error) {
	p, err := s.repo.Get(ctx, party)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Verified, nil
}

// Get returns the stored profile.
func (s *Service) Get(ctx context.Context, party common.Address) (Profile, error) {
	return s.repo.Get(ctx, party)
}

// SetVerified records a verdict delivered by the registry.
func (s *Service) SetVerified(ctx context.Context, party common.Address, verified bool) (Profile, error) {
	return s.repo.SetVerified(ctx, party, verified, s.now())
}
