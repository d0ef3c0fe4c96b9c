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

	"github.com/sirupsen/logrus"
)

// Defaults for the Etherscan log source.
const (
	DefaultEtherscanBaseURL = "https://api.etherscan.io/v2/api"
	DefaultChainID          = "1"
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
)

// etherscanResponse is the common Etherscan API envelope.
type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// EtherscanClient fetches vote/swap log events and block lookups from the
// Etherscan API. Transport failures and non-2xx responses are retried with
// exponential backoff; HTTP 429 is surfaced immediately as a RateLimitError.
type EtherscanClient struct {
	apiKey     string
	baseURL    string
	chainID    string
	maxRetries int
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewEtherscanClient creates a client for the Etherscan API. The API key is
// required; zero-valued options fall back to the package defaults.
func NewEtherscanClient(cfg EtherscanConfig) (*EtherscanClient, error) {
	if cfg.APIKey == "" {
		return nil, &ValidationError{Message: "Etherscan API key is required", Field: "api_key"}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultEtherscanBaseURL
	}
	chainID := cfg.ChainID
	if chainID == "" {
		chainID = DefaultChainID
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &EtherscanClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		chainID:    chainID,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logrus.WithField("component", "etherscan"),
	}, nil
}

// Close releases idle HTTP connections.
func (c *EtherscanClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// makeRequest issues one Etherscan API call with retry and exponential
// backoff (1s base, doubling per attempt). RateLimitError is returned
// immediately without retrying.
func (c *EtherscanClient) makeRequest(ctx context.Context, params url.Values) (*etherscanResponse, error) {
	params.Set("chainid", c.chainID)
	params.Set("apikey", c.apiKey)
	reqURL := c.baseURL + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.WithFields(logrus.Fields{
				"attempt":    attempt,
				"backoff_ms": backoff.Milliseconds(),
			}).Warn("Retrying Etherscan request")
			time.Sleep(backoff)
		}

		resp, err := c.doRequest(ctx, reqURL)
		if err != nil {
			if IsRateLimitError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *EtherscanClient) doRequest(ctx context.Context, reqURL string) (*etherscanResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("failed to build request: %v", err), URL: c.baseURL}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err), URL: c.baseURL}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			Message:    "Rate limit exceeded",
			RetryAfter: retryAfter(resp),
			StatusCode: resp.StatusCode,
			URL:        c.baseURL,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("failed to read response body: %v", err), StatusCode: resp.StatusCode, URL: c.baseURL}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Message:      fmt.Sprintf("HTTP %d", resp.StatusCode),
			StatusCode:   resp.StatusCode,
			ResponseText: string(body),
			URL:          c.baseURL,
		}
	}

	var envelope etherscanResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &APIError{
			Message:      fmt.Sprintf("unparseable response body: %v", err),
			StatusCode:   resp.StatusCode,
			ResponseText: string(body),
			URL:          c.baseURL,
		}
	}
	return &envelope, nil
}

// retryAfter parses the Retry-After header, defaulting to 60s.
func retryAfter(resp *http.Response) time.Duration {
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}

func validateBlockRange(fromBlock, toBlock int64) error {
	if fromBlock <= 0 || toBlock <= 0 {
		return &ValidationError{
			Message: "Block numbers must be positive",
			Field:   "block_numbers",
			Value:   fmt.Sprintf("from_block=%d, to_block=%d", fromBlock, toBlock),
		}
	}
	if fromBlock > toBlock {
		return &ValidationError{
			Message: "from_block must be less than or equal to to_block",
			Field:   "block_range",
			Value:   fmt.Sprintf("from_block=%d, to_block=%d", fromBlock, toBlock),
		}
	}
	return nil
}

// GetVoteEvents fetches and decodes all Vote events in [fromBlock, toBlock].
// The range is validated before any network call.
func (c *EtherscanClient) GetVoteEvents(ctx context.Context, fromBlock, toBlock int64) ([]VoteEvent, error) {
	if err := validateBlockRange(fromBlock, toBlock); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("module", "logs")
	params.Set("action", "getLogs")
	params.Set("fromBlock", strconv.FormatInt(fromBlock, 10))
	params.Set("toBlock", strconv.FormatInt(toBlock, 10))
	params.Set("topic0", VoteTopic)

	logs, err := c.fetchLogs(ctx, params)
	if err != nil {
		return nil, err
	}
	events := DecodeVoteEvents(logs)
	c.logger.WithFields(logrus.Fields{
		"from_block": fromBlock,
		"to_block":   toBlock,
		"events":     len(events),
	}).Debug("Fetched vote events")
	return events, nil
}

// GetSwapEvents fetches and decodes all Swap events emitted by one pool in
// [fromBlock, toBlock].
func (c *EtherscanClient) GetSwapEvents(ctx context.Context, poolAddress string, fromBlock, toBlock int64) ([]SwapEvent, error) {
	if !strings.HasPrefix(poolAddress, "0x") || len(poolAddress) != 42 {
		return nil, &ValidationError{
			Message: "Invalid pool address format",
			Field:   "pool_address",
			Value:   poolAddress,
		}
	}
	if err := validateBlockRange(fromBlock, toBlock); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("module", "logs")
	params.Set("action", "getLogs")
	params.Set("address", poolAddress)
	params.Set("fromBlock", strconv.FormatInt(fromBlock, 10))
	params.Set("toBlock", strconv.FormatInt(toBlock, 10))
	params.Set("topic0", SwapTopic)

	logs, err := c.fetchLogs(ctx, params)
	if err != nil {
		return nil, err
	}
	return DecodeSwapEvents(logs), nil
}

func (c *EtherscanClient) fetchLogs(ctx context.Context, params url.Values) ([]LogEntry, error) {
	envelope, err := c.makeRequest(ctx, params)
	if err != nil {
		return nil, err
	}
	if envelope.Status != "1" {
		return nil, &APIError{Message: fmt.Sprintf("Etherscan API error: %s", envelope.Message), URL: c.baseURL}
	}

	var logs []LogEntry
	if err := json.Unmarshal(envelope.Result, &logs); err != nil {
		return nil, &APIError{
			Message:      fmt.Sprintf("unexpected getLogs result: %v", err),
			ResponseText: string(envelope.Result),
			URL:          c.baseURL,
		}
	}
	return logs, nil
}

// GetBlockNumberByTimestamp resolves the block number closest to a Unix
// timestamp; closest is "before" or "after".
func (c *EtherscanClient) GetBlockNumberByTimestamp(ctx context.Context, timestamp int64, closest string) (int64, error) {
	if timestamp <= 0 {
		return 0, &ValidationError{
			Message: "Timestamp must be positive",
			Field:   "timestamp",
			Value:   strconv.FormatInt(timestamp, 10),
		}
	}
	if closest != "before" && closest != "after" {
		return 0, &ValidationError{
			Message: "closest parameter must be 'before' or 'after'",
			Field:   "closest",
			Value:   closest,
		}
	}

	params := url.Values{}
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("closest", closest)

	envelope, err := c.makeRequest(ctx, params)
	if err != nil {
		return 0, err
	}
	if envelope.Status != "1" {
		return 0, &APIError{Message: fmt.Sprintf("Etherscan API error: %s", envelope.Message), URL: c.baseURL}
	}

	var result string
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return 0, &APIError{
			Message:      fmt.Sprintf("unexpected getblocknobytime result: %v", err),
			ResponseText: string(envelope.Result),
			URL:          c.baseURL,
		}
	}
	block, err := strconv.ParseInt(result, 10, 64)
	if err != nil {
		return 0, NewValidationErrorf("invalid block number format: %q", result)
	}
	return block, nil
}
