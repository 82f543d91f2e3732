// Package aggregator is the HTTP client for the external swap-quote service.
// The service answers with a ready-to-send call; the engine treats that
// payload as opaque bytes and replays it verbatim.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "aggregator").Logger()
}

// Client queries the aggregator's quote endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	retryDelay time.Duration
}

// Config holds the aggregator endpoint settings.
type Config struct {
	BaseURL string
	// APIKey is sent as the 0x-api-key header when non-empty.
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// NewClient creates an aggregator client. Zero config fields fall back to
// sensible defaults.
func NewClient(cfg Config) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid aggregator URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	log.Info().Str("url", cfg.BaseURL).Msg("Aggregator client initialized")
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// quoteResponse is the wire shape of the aggregator's answer.
type quoteResponse struct {
	BuyAmount       string `json:"buyAmount"`
	FeePct          string `json:"feePct"`
	To              string `json:"to"`
	Data            string `json:"data"`
	Value           string `json:"value"`
	AllowanceTarget string `json:"allowanceTarget"`
}

// Quote asks the aggregator for an exact-in swap quote. Slippage travels as
// basis points; excluded liquidity sources as a comma-separated list.
func (c *Client) Quote(ctx context.Context, req steps.AggregatorRequest) (*steps.AggregatorQuote, error) {
	q := url.Values{}
	q.Set("sellToken", req.Sell.Address.Hex())
	q.Set("buyToken", req.Buy.Address.Hex())
	q.Set("sellAmount", req.SellAmount.BaseUnits().String())
	q.Set("slippageBps", req.SlippagePct.Mul(decimal.NewFromInt(100)).Round(0).String())
	if req.Taker != (common.Address{}) {
		q.Set("taker", req.Taker.Hex())
	}
	if len(req.ExcludedSources) > 0 {
		q.Set("excludedSources", strings.Join(req.ExcludedSources, ","))
	}

	body, err := c.get(ctx, "/swap/quote?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse quote response: %w", err)
	}
	return c.toQuote(req, resp)
}

func (c *Client) toQuote(req steps.AggregatorRequest, resp quoteResponse) (*steps.AggregatorQuote, error) {
	buyRaw, ok := new(big.Int).SetString(resp.BuyAmount, 10)
	if !ok {
		return nil, fmt.Errorf("bad buyAmount %q", resp.BuyAmount)
	}
	feePct := decimal.Zero
	if resp.FeePct != "" {
		var err error
		feePct, err = decimal.NewFromString(resp.FeePct)
		if err != nil {
			return nil, fmt.Errorf("bad feePct %q: %w", resp.FeePct, err)
		}
	}
	data, err := hexutil.Decode(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("bad call data: %w", err)
	}
	var value *big.Int
	if resp.Value != "" && resp.Value != "0" {
		value, ok = new(big.Int).SetString(resp.Value, 10)
		if !ok {
			return nil, fmt.Errorf("bad value %q", resp.Value)
		}
	}
	log.Debug().
		Str("sell", req.SellAmount.String()).
		Str("buyRaw", resp.BuyAmount).
		Msg("Aggregator quote received")
	return &steps.AggregatorQuote{
		BuyAmount: assets.AmountFromBaseUnits(req.Buy, buyRaw),
		FeePct:    feePct,
		Call: steps.AggregatorCall{
			To:              common.HexToAddress(resp.To),
			Data:            data,
			Value:           value,
			AllowanceTarget: common.HexToAddress(resp.AllowanceTarget),
		},
	}, nil
}

// get performs an HTTP GET with retry and exponential backoff.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	retryDelay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("0x-api-key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusBadRequest {
			// The service rejected the pair; retrying cannot fix that.
			return nil, fmt.Errorf("aggregator rejected quote: %s", string(body))
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("quote failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

var _ steps.AggregatorQuoter = (*Client)(nil)
