package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fakeRepository struct {
	used map[common.Hash]time.Time
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{used: make(map[common.Hash]time.Time)}
}

func (f *fakeRepository) ConsumeChallenge(_ context.Context, digest common.Hash, _ common.Address, expiresAt time.Time) error {
	if _, ok := f.used[digest]; ok {
		return ErrChallengeReplayed
	}
	f.used[digest] = expiresAt
	return nil
}

func (f *fakeRepository) PruneChallenges(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for k, exp := range f.used {
		if exp.Before(before) {
			delete(f.used, k)
			n++
		}
	}
	return n, nil
}

func newTestService(t *testing.T, repo Repository, adminHash string) *Service {
	t.Helper()
	return NewService(repo, "test-secret", adminHash, time.Hour).WithClock(func() time.Time { return testNow })
}

func TestService_PartyLogin(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	repo := newFakeRepository()
	svc := newTestService(t, repo, "")

	issued := testNow.Add(-time.Minute).Unix()
	sig, err := SignLogin(issued, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	res, err := svc.Login(context.Background(), LoginRequest{Address: addr, IssuedAt: issued, Signature: sig})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if res.Token == "" || res.Role != RoleParty || res.Subject != addr.Hex() {
		t.Fatalf("unexpected login result: %+v", res)
	}
	if !res.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expected expiry %s, got %s", testNow.Add(time.Hour), res.ExpiresAt)
	}

	sub, role, err := svc.VerifyToken(res.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if sub != addr.Hex() || role != RoleParty {
		t.Fatalf("verify token: got %s/%s", sub, role)
	}

	if _, err := svc.Login(context.Background(), LoginRequest{Address: addr, IssuedAt: issued, Signature: sig}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("replayed login: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_LoginRejections(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	svc := newTestService(t, newFakeRepository(), "")

	stale := testNow.Add(-LoginWindow - time.Second).Unix()
	sig, _ := SignLogin(stale, key)
	if _, err := svc.Login(context.Background(), LoginRequest{Address: addr, IssuedAt: stale, Signature: sig}); !errors.Is(err, ErrStaleLogin) {
		t.Fatalf("expected ErrStaleLogin, got %v", err)
	}

	future := testNow.Add(LoginWindow + time.Second).Unix()
	sig, _ = SignLogin(future, key)
	if _, err := svc.Login(context.Background(), LoginRequest{Address: addr, IssuedAt: future, Signature: sig}); !errors.Is(err, ErrStaleLogin) {
		t.Fatalf("expected ErrStaleLogin for future timestamp, got %v", err)
	}

	issued := testNow.Unix()
	sig, _ = SignLogin(issued, other)
	if _, err := svc.Login(context.Background(), LoginRequest{Address: addr, IssuedAt: issued, Signature: sig}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for foreign signer, got %v", err)
	}

	if _, err := svc.Login(context.Background(), LoginRequest{Address: addr, IssuedAt: issued, Signature: []byte{1, 2, 3}}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for short signature, got %v", err)
	}
}

func TestService_AdminLogin(t *testing.T) {
	hash, err := HashAdminKey("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc := newTestService(t, nil, hash)

	if _, err := svc.AdminLogin(context.Background(), "wrong key entirely"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	res, err := svc.AdminLogin(context.Background(), "correct horse battery staple")
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	sub, role, err := svc.VerifyToken(res.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != AdminSubject || role != RoleAdmin {
		t.Fatalf("expected admin token, got %s/%s", sub, role)
	}

	if _, err := newTestService(t, nil, "").AdminLogin(context.Background(), "anything"); !errors.Is(err, ErrAdminDisabled) {
		t.Fatalf("expected ErrAdminDisabled, got %v", err)
	}
	if _, err := HashAdminKey("short"); err == nil {
		t.Fatal("expected short admin key to be rejected")
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	svc := newTestService(t, nil, "")
	sign := func(claims jwt.MapClaims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	exp := testNow.Add(time.Hour).Unix()
	cases := map[string]string{
		"wrong secret":        sign(jwt.MapClaims{"sub": AdminSubject, "role": "admin", "exp": exp}, "other"),
		"expired":             sign(jwt.MapClaims{"sub": AdminSubject, "role": "admin", "exp": testNow.Add(-time.Minute).Unix()}, "test-secret"),
		"party with bad sub":  sign(jwt.MapClaims{"sub": "alice", "role": "party", "exp": exp}, "test-secret"),
		"admin role escalate": sign(jwt.MapClaims{"sub": "0x00000000000000000000000000000000000000aa", "role": "admin", "exp": exp}, "test-secret"),
		"unknown role":        sign(jwt.MapClaims{"sub": AdminSubject, "role": "root", "exp": exp}, "test-secret"),
		"garbage":             "not-a-token",
	}
	for name, tok := range cases {
		if _, _, err := svc.VerifyToken(tok); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestService_PruneChallenges(t *testing.T) {
	repo := newFakeRepository()
	repo.used[common.HexToHash("0x01")] = testNow.Add(-time.Second)
	repo.used[common.HexToHash("0x02")] = testNow.Add(time.Minute)
	n, err := newTestService(t, repo, "").PruneChallenges(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 || len(repo.used) != 1 {
		t.Fatalf("expected one pruned challenge, got %d (left %d)", n, len(repo.used))
	}
}
