// Package chain checks SPL token holdings over Solana JSON-RPC.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/redis/go-redis/v9"

	"github.com/soba-labs/soba/internal/config"
	"github.com/soba-labs/soba/internal/metrics"
	"github.com/soba-labs/soba/internal/retry"
)

var (
	ErrInvalidAddress = errors.New("chain: invalid wallet address")
	ErrRPC            = errors.New("chain: rpc request failed")
	errTransient      = errors.New("chain: transient rpc failure")
)

const cacheKeyPrefix = "holding:"

// Holding is the result of a balance check.
type Holding struct {
	HasNft          bool    `json:"hasNft"`
	Balance         float64 `json:"balance"`
	MinimumRequired float64 `json:"minimumRequired"`
}

// Verifier decides whether a wallet holds enough of one SPL token.
type Verifier struct {
	rpcURL     string
	mint       solana.PublicKey
	client     *rpc.Client
	decimals   int
	minBalance float64
	httpClient *http.Client
	cache      redis.Cmdable
	cacheTTL   time.Duration
	policy     retry.Policy
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithCache stores results in Redis for ttl.
func WithCache(rdb redis.Cmdable, ttl time.Duration) Option {
	return func(v *Verifier) {
		v.cache = rdb
		v.cacheTTL = ttl
	}
}

// WithRetryPolicy sets the policy for RPC calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(v *Verifier) { v.policy = p }
}

// NewVerifier creates a Verifier for the configured mint. It fails when the
// mint is not a valid address.
func NewVerifier(cfg config.SolanaConfig, opts ...Option) (*Verifier, error) {
	mint, err := solana.PublicKeyFromBase58(cfg.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("%w: token mint %q", ErrInvalidAddress, cfg.TokenMint)
	}

	v := &Verifier{
		rpcURL:     cfg.RPCURL,
		mint:       mint,
		decimals:   cfg.Decimals,
		minBalance: cfg.MinBalance,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.client = rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(v.rpcURL, &jsonrpc.RPCClientOpts{
		HTTPClient: v.httpClient,
	}))
	return v, nil
}

// ValidateAddress accepts base58-encoded 32-byte public keys.
func ValidateAddress(addr string) error {
	_, err := parseAddress(addr)
	return err
}

func parseAddress(addr string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return pk, nil
}

// VerifyHolding sums the wallet's token accounts for the mint and compares
// the total with the configured minimum.
func (v *Verifier) VerifyHolding(ctx context.Context, wallet string) (*Holding, error) {
	owner, err := parseAddress(wallet)
	if err != nil {
		return nil, err
	}

	if h := v.cached(ctx, wallet); h != nil {
		metrics.HoldingChecksTotal.WithLabelValues("cache", resultLabel(h)).Inc()
		return h, nil
	}

	raw, err := retry.DoValue(ctx, v.policy.Named("solana token balance"), func(ctx context.Context) (*big.Int, error) {
		amount, err := v.tokenBalance(ctx, owner)
		if err != nil && !errors.Is(err, errTransient) {
			return nil, retry.Permanent(err)
		}
		return amount, err
	})
	if err != nil {
		metrics.HoldingChecksTotal.WithLabelValues("rpc", "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrRPC, err)
	}

	h := v.holding(raw)
	metrics.HoldingChecksTotal.WithLabelValues("rpc", resultLabel(h)).Inc()
	v.store(ctx, wallet, h)
	return h, nil
}

func (v *Verifier) holding(raw *big.Int) *Holding {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.decimals)), nil)
	balance, _ := new(big.Rat).SetFrac(raw, scale).Float64()

	minRaw, _ := new(big.Float).Mul(big.NewFloat(v.minBalance), new(big.Float).SetInt(scale)).Int(nil)

	return &Holding{
		HasNft:          raw.Cmp(minRaw) >= 0,
		Balance:         balance,
		MinimumRequired: v.minBalance,
	}
}

// parsedTokenAccount is the jsonParsed layout of an SPL token account.
type parsedTokenAccount struct {
	Parsed struct {
		Info struct {
			TokenAmount struct {
				Amount   string `json:"amount"`
				Decimals int    `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

func (v *Verifier) tokenBalance(ctx context.Context, owner solana.PublicKey) (*big.Int, error) {
	mint := v.mint
	out, err := v.client.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingJSONParsed},
	)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	if out == nil {
		return nil, errors.New("rpc response without result")
	}

	total := new(big.Int)
	for _, acc := range out.Value {
		if acc == nil || acc.Account.Data == nil {
			continue
		}
		var parsed parsedTokenAccount
		if err := json.Unmarshal(acc.Account.Data.GetRawJSON(), &parsed); err != nil {
			return nil, fmt.Errorf("decoding token account %s: %w", acc.Pubkey, err)
		}
		raw := parsed.Parsed.Info.TokenAmount.Amount
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("invalid token amount %q", raw)
		}
		total.Add(total, amount)
	}
	return total, nil
}

// classifyRPCError marks rate limits, server errors and transport failures
// as transient. JSON-RPC errors and other HTTP statuses are final.
func classifyRPCError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= 500 {
			return fmt.Errorf("%w: status %d", errTransient, httpErr.Code)
		}
		return fmt.Errorf("rpc status %d: %w", httpErr.Code, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", errTransient, err)
}

func (v *Verifier) cached(ctx context.Context, wallet string) *Holding {
	if v.cache == nil {
		return nil
	}
	data, err := v.cache.Get(ctx, cacheKeyPrefix+v.mint.String()+":"+wallet).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("holding cache read failed", "wallet", wallet, "error", err)
		}
		return nil
	}
	var h Holding
	if err := json.Unmarshal(data, &h); err != nil {
		return nil
	}
	return &h
}

func (v *Verifier) store(ctx context.Context, wallet string, h *Holding) {
	if v.cache == nil || v.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, cacheKeyPrefix+v.mint.String()+":"+wallet, data, v.cacheTTL).Err(); err != nil {
		slog.Warn("holding cache write failed", "wallet", wallet, "error", err)
	}
}

func resultLabel(h *Holding) string {
	if h.HasNft {
		return "sufficient"
	}
	return "insufficient"
}
