package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"copytrader/pkg/exchange"
)

const (
	mainnetInfoURL     = "https://api.hyperliquid.xyz/info"
	mainnetExchangeURL = "https://api.hyperliquid.xyz/exchange"
	testnetInfoURL     = "https://api.hyperliquid-testnet.xyz/info"
	testnetExchangeURL = "https://api.hyperliquid-testnet.xyz/exchange"

	defaultHTTPTimeout = 10 * time.Second
	maxRetryAttempts   = 3

	priceSigFigs = 5
)

var (
	// defaultSlippage is the IOC market-order band (3%).
	defaultSlippage = decimal.NewFromFloat(0.03)
	// triggerFallbackSlippage is the aggressive limit band attached to
	// trigger orders (5%).
	triggerFallbackSlippage = decimal.NewFromFloat(0.05)
)

// Client coordinates signed requests against the Hyperliquid endpoints and
// implements exchange.Gateway.
type Client struct {
	infoURL     string
	exchangeURL string
	httpClient  *http.Client
	signer      Signer
	address     string // signer wallet address
	isTestnet   bool
	clock       func() time.Time
	vault       string
	limiter     *rate.Limiter
	slippage    decimal.Decimal

	assets *assetDirectory
}

// ClientOption customises the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBaseURLs overrides both endpoint URLs (primarily for testing).
func WithBaseURLs(infoURL, exchangeURL string) ClientOption {
	return func(c *Client) {
		if infoURL != "" {
			c.infoURL = infoURL
		}
		if exchangeURL != "" {
			c.exchangeURL = exchangeURL
		}
	}
}

// WithVaultAddress configures a vault address for signing requests.
func WithVaultAddress(addr string) ClientOption {
	return func(c *Client) {
		if common.IsHexAddress(addr) {
			c.vault = common.HexToAddress(addr).Hex()
		}
	}
}

// WithClock overrides the nonce time source (primarily for testing).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithDefaultSlippage sets the market-order slippage fraction (e.g. 0.03).
func WithDefaultSlippage(slippage decimal.Decimal) ClientOption {
	return func(c *Client) {
		if slippage.Sign() > 0 {
			c.slippage = slippage
		}
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewClient constructs a trading client from a hex private key. An empty key
// yields a read-only client: info endpoints work, exchange actions fail.
func NewClient(privateKeyHex string, isTestnet bool, opts ...ClientOption) (*Client, error) {
	client := &Client{
		infoURL:     mainnetInfoURL,
		exchangeURL: mainnetExchangeURL,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		isTestnet:   isTestnet,
		clock:       time.Now,
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		slippage:    defaultSlippage,
	}
	if isTestnet {
		client.infoURL = testnetInfoURL
		client.exchangeURL = testnetExchangeURL
	}
	if privateKeyHex != "" {
		signer, err := NewPrivateKeySigner(privateKeyHex)
		if err != nil {
			return nil, err
		}
		client.signer = signer
		client.address = signer.GetAddress()
	}
	for _, opt := range opts {
		opt(client)
	}
	client.assets = newAssetDirectory(client)
	return client, nil
}

// Address returns the signer wallet address, empty for read-only clients.
func (c *Client) Address() string { return c.address }

// doInfoRequest queries the public info endpoint with retry on transient
// failures.
func (c *Client) doInfoRequest(ctx context.Context, req InfoRequest, result interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hyperliquid: encode info request: %w", err)
	}
	var lastErr error
	retry := newRetryBackoff()
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		body, err := c.post(ctx, c.infoURL, payload)
		if err == nil {
			if result == nil {
				return nil
			}
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("hyperliquid: decode info response: %w", err)
			}
			return nil
		}
		if !exchange.IsNetwork(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.Duration()):
		}
	}
	return lastErr
}

// doExchangeRequest signs and submits an exchange action, retrying only on
// transport failures. Semantic rejections come back typed and are never
// retried.
func (c *Client) doExchangeRequest(ctx context.Context, action Action) (*exchangeResponse, error) {
	if c.signer == nil {
		return nil, errNoSigner
	}
	var lastErr error
	retry := newRetryBackoff()
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		nonce := c.clock().UnixMilli()
		req, err := signAction(action, c.signer, nonce, c.vault, !c.isTestnet)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("hyperliquid: encode exchange request: %w", err)
		}
		body, err := c.post(ctx, c.exchangeURL, payload)
		if err == nil {
			return decodeExchangeResponse(body)
		}
		if !exchange.IsNetwork(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry.Duration()):
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &exchange.NetworkError{Op: "post " + url, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &exchange.NetworkError{Op: "read " + url, Err: readErr}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &exchange.NetworkError{Op: "post " + url, Err: fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= 300 {
		return nil, &exchange.RejectionError{Reason: fmt.Sprintf("http status %d: %s", resp.StatusCode, string(body))}
	}
	return body, nil
}

// decodeExchangeResponse copes with the venue returning either a structured
// response or a bare string message on rejection.
func decodeExchangeResponse(body []byte) (*exchangeResponse, error) {
	var envelope struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode exchange response: %w", err)
	}
	out := &exchangeResponse{Status: envelope.Status}
	if len(envelope.Response) == 0 {
		return out, nil
	}
	var msg string
	if err := json.Unmarshal(envelope.Response, &msg); err == nil {
		out.Response.Message = msg
		return out, nil
	}
	var structured exchangeRespBody
	if err := json.Unmarshal(envelope.Response, &structured); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode exchange response body: %w", err)
	}
	structured.Message = out.Response.Message
	out.Response = structured
	return out, nil
}

func newRetryBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}
