package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"disputeflow/failure"
)

var (
	// ErrInvalidCredentials signals a bad signature or admin key.
	ErrInvalidCredentials = failure.New(failure.Authorization, "auth: invalid credentials")
	// ErrStaleLogin signals a login message outside the accepted window.
	ErrStaleLogin = failure.New(failure.Authorization, "auth: login message expired")
	// ErrAdminDisabled signals that no admin key hash is configured.
	ErrAdminDisabled = failure.New(failure.Authorization, "auth: admin login disabled")
)

// LoginWindow bounds how far a login message's timestamp may drift from now.
const LoginWindow = 5 * time.Minute

// Service issues and verifies bearer tokens.
type Service struct {
	repo         Repository
	jwtSecret    []byte
	adminKeyHash []byte
	tokenTTL     time.Duration
	now          func() time.Time
}

// NewService creates the authentication service. adminKeyHash is a bcrypt hash;
// empty disables admin login.
func NewService(repo Repository, jwtSecret, adminKeyHash string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		repo:         repo,
		jwtSecret:    []byte(jwtSecret),
		adminKeyHash: []byte(adminKeyHash),
		tokenTTL:     tokenTTL,
		now:          time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// LoginMessage is the text a party signs to log in.
func LoginMessage(addr common.Address, issuedAt int64) string {
	return fmt.Sprintf("disputeflow login %s %d", addr.Hex(), issuedAt)
}

// SignLogin produces a login signature with key.
func SignLogin(issuedAt int64, key *ecdsa.PrivateKey) ([]byte, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(accounts.TextHash([]byte(LoginMessage(addr, issuedAt))), key)
	if err != nil {
		return nil, fmt.Errorf("auth: sign login: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Login verifies a signed login message and issues a party token. Each
// message is accepted once.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	now := s.now()
	issued := time.Unix(req.IssuedAt, 0)
	if issued.Before(now.Add(-LoginWindow)) || issued.After(now.Add(LoginWindow)) {
		return LoginResult{}, ErrStaleLogin
	}
	if len(req.Signature) != crypto.SignatureLength {
		return LoginResult{}, ErrInvalidCredentials
	}

	digest := accounts.TextHash([]byte(LoginMessage(req.Address, req.IssuedAt)))
	sig := make([]byte, len(req.Signature))
	copy(sig, req.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil || crypto.PubkeyToAddress(*pub) != req.Address {
		return LoginResult{}, ErrInvalidCredentials
	}

	if s.repo != nil {
		err := s.repo.ConsumeChallenge(ctx, common.BytesToHash(digest), req.Address, issued.Add(LoginWindow))
		if errors.Is(err, ErrChallengeReplayed) {
			return LoginResult{}, ErrInvalidCredentials
		}
		if err != nil {
			return LoginResult{}, err
		}
	}
	return s.issue(req.Address.Hex(), RoleParty)
}

// AdminLogin checks key against the configured bcrypt hash.
func (s *Service) AdminLogin(_ context.Context, key string) (LoginResult, error) {
	if len(s.adminKeyHash) == 0 {
		return LoginResult{}, ErrAdminDisabled
	}
	if err := bcrypt.CompareHashAndPassword(s.adminKeyHash, []byte(key)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	return s.issue(AdminSubject, RoleAdmin)
}

// HashAdminKey returns the bcrypt hash to configure for key.
func HashAdminKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("auth: admin key must be at least 16 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash admin key: %w", err)
	}
	return string(h), nil
}

// VerifyToken validates a JWT and returns its subject and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("auth: invalid token")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", "", fmt.Errorf("auth: invalid subject in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	switch {
	case role == RoleAdmin && sub == AdminSubject:
	case role == RoleParty && common.IsHexAddress(sub):
	default:
		return "", "", fmt.Errorf("auth: invalid role %q for subject in token", roleStr)
	}
	return sub, role, nil
}

// PruneChallenges drops consumed login challenges that can no longer replay.
func (s *Service) PruneChallenges(ctx context.Context) (int64, error) {
	if s.repo == nil {
		return 0, nil
	}
	return s.repo.PruneChallenges(ctx, s.now())
}

func (s *Service) issue(subject string, role Role) (LoginResult, error) {
	now := s.now()
	exp := now.Add(s.tokenTTL)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: tokenString, Subject: subject, Role: role, ExpiresAt: exp}, nil
}
