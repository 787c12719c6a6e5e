package grantd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"grantledger/native/balance"
	"grantledger/native/grant"
)

// SettlementClient queries the upstream settlement provider for a
// wallet's card balance and redeemed grants.
type SettlementClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewSettlementClient constructs a client against the provider endpoint.
func NewSettlementClient(cfg SettlementConfig) *SettlementClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SettlementClient{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type settlementResponse struct {
	Pending          bool     `json:"pending"`
	RetryAfter       int      `json:"retryAfter"`
	CardBalance      string   `json:"cardBalance"`
	RedeemedGrantIDs []string `json:"redeemedGrantIds"`
}

// Settle implements balance.SettlementClient. A 503 from the provider is
// treated as settlement-pending with the advertised Retry-After.
func (c *SettlementClient) Settle(ctx context.Context, paymentID string, expected *big.Int) (balance.Settlement, error) {
	target := fmt.Sprintf("%s/v1/settlements/%s", c.endpoint, url.PathEscape(paymentID))
	if expected != nil {
		target += "?expected=" + expected.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return balance.Settlement{}, fmt.Errorf("settlement request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return balance.Settlement{}, fmt.Errorf("settlement fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		retry := 30 * time.Second
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				retry = time.Duration(secs) * time.Second
			}
		}
		return balance.Settlement{Pending: true, RetryAfter: retry}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return balance.Settlement{}, fmt.Errorf("settlement provider status %d", resp.StatusCode)
	}

	var body settlementResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return balance.Settlement{}, fmt.Errorf("decode settlement response: %w", err)
	}
	if body.Pending {
		retry := time.Duration(body.RetryAfter) * time.Second
		if retry <= 0 {
			retry = 30 * time.Second
		}
		return balance.Settlement{Pending: true, RetryAfter: retry}, nil
	}

	settled := balance.Settlement{RedeemedGrantIDs: body.RedeemedGrantIDs}
	if body.CardBalance != "" {
		probi, err := grant.ParseProbi(body.CardBalance)
		if err != nil {
			return balance.Settlement{}, fmt.Errorf("settlement card balance: %w", err)
		}
		settled.CardBalance = probi
	}
	return settled, nil
}
