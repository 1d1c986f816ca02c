package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"

	"github.com/soba-labs/soba/internal/chain"
)

var (
	ErrChallengeNotFound = errors.New("auth: challenge not found or expired")
	ErrInvalidSignature  = errors.New("auth: invalid signature")
)

const nonceKeyPrefix = "auth:nonce:"

// Challenge is the message a wallet must sign to obtain a token.
type Challenge struct {
	Wallet    string    `json:"wallet"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service implements sign-in with a Solana wallet: a one-time challenge
// stored in Redis, an ed25519 signature over it, and a JWT in return.
type Service struct {
	jwt          *JWTManager
	rdb          redis.Cmdable
	challengeTTL time.Duration
}

func NewService(jwt *JWTManager, rdb redis.Cmdable, challengeTTL time.Duration) *Service {
	return &Service{jwt: jwt, rdb: rdb, challengeTTL: challengeTTL}
}

func ChallengeMessage(wallet, nonce string) string {
	return fmt.Sprintf("Sign in to Soba\nWallet: %s\nNonce: %s", wallet, nonce)
}

func nonceKey(wallet, nonce string) string {
	return nonceKeyPrefix + wallet + ":" + nonce
}

// Challenge issues a fresh nonce for wallet. Pending challenges for the same
// wallet stay valid until they are used or expire.
func (s *Service) Challenge(ctx context.Context, wallet string) (*Challenge, error) {
	if err := chain.ValidateAddress(wallet); err != nil {
		return nil, err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	nonce := base58.Encode(buf)
	msg := ChallengeMessage(wallet, nonce)

	if err := s.rdb.Set(ctx, nonceKey(wallet, nonce), msg, s.challengeTTL).Err(); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	return &Challenge{
		Wallet:    wallet,
		Nonce:     nonce,
		Message:   msg,
		ExpiresAt: time.Now().Add(s.challengeTTL).UTC(),
	}, nil
}

// VerifyWallet consumes the challenge identified by nonce and checks the
// base58 signature over it. The challenge is gone afterwards whatever the outcome.
func (s *Service) VerifyWallet(ctx context.Context, wallet, nonce, signature string) (*Token, error) {
	pub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, wallet)
	}

	msg, err := s.rdb.GetDel(ctx, nonceKey(wallet, nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}

	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !sig.Verify(pub, []byte(msg)) {
		return nil, ErrInvalidSignature
	}

	return s.jwt.Issue(wallet)
}

func (s *Service) ValidateAccessToken(token string) (*AccessClaims, error) {
	return s.jwt.Validate(token)
}
