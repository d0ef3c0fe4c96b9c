package pendleyield

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultPendleBaseURL is the production Pendle v2 core API.
const DefaultPendleBaseURL = "https://api-v2.pendle.finance/core"

// MarketFeeTotal is one market's aggregate fee over a queried time range.
type MarketFeeTotal struct {
	ChainID       int64           `json:"chainId"`
	MarketAddress string          `json:"market"`
	TotalFee      decimal.Decimal `json:"totalFees"`
}

type marketFeesResponse struct {
	Results []MarketFeeTotal `json:"results"`
}

type marketsResponse struct {
	Markets []Market `json:"markets"`
}

// marketHistoricalTable is the columnar historical-data payload: a timestamp
// axis plus parallel metric arrays, any of which may be absent.
type marketHistoricalTable struct {
	Total           float64   `json:"total"`
	Timestamp       []float64 `json:"timestamp"`
	MaxApy          []float64 `json:"maxApy"`
	BaseApy         []float64 `json:"baseApy"`
	UnderlyingApy   []float64 `json:"underlyingApy"`
	ImpliedApy      []float64 `json:"impliedApy"`
	Tvl             []float64 `json:"tvl"`
	TradingVolume   []float64 `json:"tradingVolume"`
	ExplicitSwapFee []float64 `json:"explicitSwapFee"`
	ImplicitSwapFee []float64 `json:"implicitSwapFee"`
}

// PendleClient talks to the Pendle v2 REST API. Every call carries a declared
// computing-unit cost and is admitted through the request governor before the
// request goes out. Retry/backoff and the 429 fast path mirror the Etherscan
// client.
type PendleClient struct {
	baseURL    string
	maxRetries int
	httpClient *http.Client
	governor   *RequestGovernor
	logger     *logrus.Entry
}

// NewPendleClient creates a Pendle API client. Zero-valued options fall back
// to the package defaults; a nil governor gets the default budget.
func NewPendleClient(cfg PendleConfig) *PendleClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultPendleBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &PendleClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: timeout},
		governor: NewRequestGovernor(
			time.Duration(cfg.GovernorWindowSeconds)*time.Second,
			cfg.GovernorBudget,
		),
		logger: logrus.WithField("component", "pendle"),
	}
}

// Close releases idle HTTP connections.
func (c *PendleClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// makeRequest meters the call, then issues it with retry and exponential
// backoff. The response body is decoded into out.
func (c *PendleClient) makeRequest(ctx context.Context, path string, params url.Values, cost int, out interface{}) error {
	c.governor.Acquire(cost)

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.WithFields(logrus.Fields{
				"attempt":    attempt,
				"backoff_ms": backoff.Milliseconds(),
			}).Warn("Retrying Pendle request")
			time.Sleep(backoff)
		}

		err := c.doRequest(ctx, reqURL, out)
		if err == nil {
			return nil
		}
		if IsRateLimitError(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *PendleClient) doRequest(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("failed to build request: %v", err), URL: reqURL}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("request failed: %v", err), URL: reqURL}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Message:    "Rate limit exceeded",
			RetryAfter: retryAfter(resp),
			StatusCode: resp.StatusCode,
			URL:        reqURL,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("failed to read response body: %v", err), StatusCode: resp.StatusCode, URL: reqURL}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Message:      fmt.Sprintf("HTTP %d", resp.StatusCode),
			StatusCode:   resp.StatusCode,
			ResponseText: string(body),
			URL:          reqURL,
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{
			Message:      fmt.Sprintf("unparseable response body: %v", err),
			StatusCode:   resp.StatusCode,
			ResponseText: string(body),
			URL:          reqURL,
		}
	}
	return nil
}

// GetPoolVoterAprData fetches every pool's current and projected voter APR
// and swap fee, ordered by voter APR descending.
func (c *PendleClient) GetPoolVoterAprData(ctx context.Context) (*VoterAprResponse, error) {
	params := url.Values{}
	params.Set("order_by", "voterApr:-1")

	var out VoterAprResponse
	if err := c.makeRequest(ctx, "/v1/ve-pendle/pool-voter-apr-swap-fee", params, costPoolVoterApr, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMarketFeesForPeriod fetches aggregate fee totals per market accrued
// inside [start, end). The range is validated before any network call.
func (c *PendleClient) GetMarketFeesForPeriod(ctx context.Context, start, end time.Time) ([]MarketFeeTotal, error) {
	if !start.Before(end) {
		return nil, &ValidationError{
			Message: "timestamp_start must be before timestamp_end",
			Field:   "period",
			Value:   fmt.Sprintf("start=%s, end=%s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}
	}

	params := url.Values{}
	params.Set("timestamp_start", start.UTC().Format(time.RFC3339))
	params.Set("timestamp_end", end.UTC().Format(time.RFC3339))

	var out marketFeesResponse
	if err := c.makeRequest(ctx, "/v1/ve-pendle/market-total-fees", params, costMarketFees, &out); err != nil {
		return nil, err
	}
	for i := range out.Results {
		out.Results[i].MarketAddress = strings.ToLower(out.Results[i].MarketAddress)
	}
	return out.Results, nil
}

// GetAllMarkets fetches the whitelisted market inventory across all chains,
// optionally filtered to one chain.
func (c *PendleClient) GetAllMarkets(ctx context.Context, chainID int64) ([]Market, error) {
	params := url.Values{}
	if chainID > 0 {
		params.Set("chainId", strconv.FormatInt(chainID, 10))
	}

	var out marketsResponse
	if err := c.makeRequest(ctx, "/v1/markets/all", params, costAllMarkets, &out); err != nil {
		return nil, err
	}
	for i := range out.Markets {
		out.Markets[i].Address = strings.ToLower(out.Markets[i].Address)
	}
	return out.Markets, nil
}

// GetMarketHistoricalData fetches daily historical metrics for one market in
// [start, end), including the fee breakdown, and flattens the columnar
// payload into per-day points.
func (c *PendleClient) GetMarketHistoricalData(ctx context.Context, chainID int64, marketAddress string, start, end time.Time) ([]MarketDataPoint, error) {
	if !strings.HasPrefix(marketAddress, "0x") || len(marketAddress) != 42 {
		return nil, &ValidationError{
			Message: "Invalid market address format",
			Field:   "market_address",
			Value:   marketAddress,
		}
	}
	if !start.Before(end) {
		return nil, &ValidationError{
			Message: "timestamp_start must be before timestamp_end",
			Field:   "period",
			Value:   fmt.Sprintf("start=%s, end=%s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}
	}

	params := url.Values{}
	params.Set("time_frame", "day")
	params.Set("timestamp_start", start.UTC().Format(time.RFC3339))
	params.Set("timestamp_end", end.UTC().Format(time.RFC3339))
	params.Set("includeFeeBreakdown", "true")

	path := fmt.Sprintf("/v2/%d/markets/%s/historical-data", chainID, strings.ToLower(marketAddress))

	var table marketHistoricalTable
	if err := c.makeRequest(ctx, path, params, costHistoricalData, &table); err != nil {
		return nil, err
	}
	return flattenHistoricalTable(chainID, strings.ToLower(marketAddress), table), nil
}

// flattenHistoricalTable turns the parallel-array payload into one point per
// timestamp; metric arrays shorter than the axis leave the tail nil.
func flattenHistoricalTable(chainID int64, marketAddress string, table marketHistoricalTable) []MarketDataPoint {
	pick := func(col []float64, i int) *float64 {
		if i >= len(col) {
			return nil
		}
		v := col[i]
		return &v
	}

	points := make([]MarketDataPoint, 0, len(table.Timestamp))
	for i, ts := range table.Timestamp {
		day := time.Unix(int64(ts), 0).UTC()
		points = append(points, MarketDataPoint{
			ChainID:         chainID,
			MarketAddress:   marketAddress,
			Date:            time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
			MaxApy:          pick(table.MaxApy, i),
			BaseApy:         pick(table.BaseApy, i),
			UnderlyingApy:   pick(table.UnderlyingApy, i),
			ImpliedApy:      pick(table.ImpliedApy, i),
			Tvl:             pick(table.Tvl, i),
			TradingVolume:   pick(table.TradingVolume, i),
			ExplicitSwapFee: pick(table.ExplicitSwapFee, i),
			ImplicitSwapFee: pick(table.ImplicitSwapFee, i),
		})
	}
	return points
}
