// Package catalog implements the read-only client for the venue's REST
// catalog: symbol metadata, 24h ticker volume and the volume ranking the
// symbol manager selects from.
package catalog

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pulseintel/internal/circuit"
	"pulseintel/internal/config"
	"pulseintel/internal/events"
	"pulseintel/internal/ratelimit"
)

const (
	publicTimeout     = 30 * time.Second
	privilegedTimeout = 60 * time.Second

	// successCode is the venue's "ok" response code.
	successCode = "00000"
)

// Credentials is the venue API credential triple.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Signed reports whether requests can carry a signature. The sentinel key
// used for the public tier never signs.
func (c Credentials) Signed() bool {
	return c.APIKey != "" && c.APIKey != "PUBLIC_ACCESS" &&
		c.SecretKey != "" && c.Passphrase != ""
}

// Error is returned when the venue rejects a catalog call.
type Error struct {
	Endpoint string
	Code     string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("catalog %s: venue code %s: %s", e.Endpoint, e.Code, e.Message)
}

// Client is the catalog oracle client. All calls pass through the shared
// rate limiter and a circuit breaker; signed requests are attempted only
// when privileged credentials are configured.
type Client struct {
	baseURL string
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker

	mu         sync.RWMutex
	creds      Credentials
	httpClient *http.Client
}

// NewClient builds the client around the shared limiter registry.
func NewClient(cfg config.BitgetConfig, registry *ratelimit.Registry) *Client {
	c := &Client{
		baseURL:    cfg.RESTBaseURL,
		limiter:    registry.Get("rest-catalog"),
		breaker:    circuit.NewBreaker("catalog", circuit.DefaultConfig()),
		httpClient: &http.Client{Timeout: publicTimeout},
	}
	c.SetCredentials(Credentials{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		Passphrase: cfg.Passphrase,
	})
	return c
}

// SetCredentials swaps the credential triple. Privileged credentials get the
// longer request timeout the venue grants signed callers.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	timeout := publicTimeout
	if creds.Signed() {
		timeout = privilegedTimeout
	}
	c.httpClient = &http.Client{Timeout: timeout}
}

// Credentials returns the currently configured triple.
func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// Probe hits a cheap public endpoint; used by the health supervisor.
func (c *Client) Probe(ctx context.Context) error {
	var out json.RawMessage
	return c.get(ctx, "/api/v2/public/time", nil, &out)
}

// ValidateCredentials performs the cheapest call that exercises the current
// credential tier: a signed account lookup when privileged, the public time
// endpoint otherwise.
func (c *Client) ValidateCredentials(ctx context.Context) error {
	if c.Credentials().Signed() {
		var out json.RawMessage
		return c.get(ctx, "/api/v2/spot/account/info", nil, &out)
	}
	return c.Probe(ctx)
}

// SpotSymbols lists online spot instruments.
func (c *Client) SpotSymbols(ctx context.Context) ([]events.SymbolMeta, error) {
	var rows []spotSymbol
	if err := c.get(ctx, "/api/v2/spot/public/symbols", nil, &rows); err != nil {
		return nil, err
	}
	metas := make([]events.SymbolMeta, 0, len(rows))
	for _, r := range rows {
		if r.Status != "online" {
			continue
		}
		metas = append(metas, r.meta())
	}
	return metas, nil
}

// FuturesSymbols lists normal-status contracts for the given product type.
func (c *Client) FuturesSymbols(ctx context.Context, productType string) ([]events.SymbolMeta, error) {
	params := url.Values{"productType": {productType}}
	var rows []futuresSymbol
	if err := c.get(ctx, "/api/v2/mix/market/contracts", params, &rows); err != nil {
		return nil, err
	}
	market := marketForProductType(productType)
	metas := make([]events.SymbolMeta, 0, len(rows))
	for _, r := range rows {
		if r.Status != "normal" {
			continue
		}
		metas = append(metas, r.meta(market))
	}
	return metas, nil
}

// SpotTickers returns 24h notional per spot symbol.
func (c *Client) SpotTickers(ctx context.Context) (map[string]float64, error) {
	var rows []ticker
	if err := c.get(ctx, "/api/v2/spot/market/tickers", nil, &rows); err != nil {
		return nil, err
	}
	return tickerNotionals(rows), nil
}

// FuturesTickers returns 24h notional per contract for a product type.
func (c *Client) FuturesTickers(ctx context.Context, productType string) (map[string]float64, error) {
	params := url.Values{"productType": {productType}}
	var rows []ticker
	if err := c.get(ctx, "/api/v2/mix/market/tickers", params, &rows); err != nil {
		return nil, err
	}
	return tickerNotionals(rows), nil
}

// TopByVolume returns the market's symbols ordered by descending 24h
// notional (ties broken lexicographically), truncated to limit.
func (c *Client) TopByVolume(ctx context.Context, market string, limit int) ([]events.SymbolMeta, error) {
	var (
		metas     []events.SymbolMeta
		notionals map[string]float64
		err       error
	)
	if market == events.MarketSpot {
		if metas, err = c.SpotSymbols(ctx); err != nil {
			return nil, err
		}
		if notionals, err = c.SpotTickers(ctx); err != nil {
			return nil, err
		}
	} else {
		productType, ok := config.ProductTypes[market]
		if !ok {
			return nil, fmt.Errorf("catalog: unsupported market %q", market)
		}
		if metas, err = c.FuturesSymbols(ctx, productType); err != nil {
			return nil, err
		}
		if notionals, err = c.FuturesTickers(ctx, productType); err != nil {
			return nil, err
		}
	}

	for i := range metas {
		metas[i].Notional24h = notionals[metas[i].Symbol]
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Notional24h != metas[j].Notional24h {
			return metas[i].Notional24h > metas[j].Notional24h
		}
		return metas[i].Symbol < metas[j].Symbol
	})
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	err := c.breaker.Execute(func() error {
		return c.doGet(ctx, endpoint, params, out)
	})
	switch {
	case err == nil:
		c.limiter.ReportSuccess()
	case err == circuit.ErrCircuitOpen:
		// Short circuit, no request happened; nothing to report.
	default:
		c.limiter.ReportError("catalog_error", err.Error())
	}
	return err
}

func (c *Client) doGet(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	c.mu.RLock()
	creds := c.creds
	client := c.httpClient
	c.mu.RUnlock()

	reqURL := c.baseURL + endpoint
	requestPath := endpoint
	if len(params) > 0 {
		query := params.Encode()
		reqURL += "?" + query
		requestPath += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.Signed() {
		signRequest(req, creds, requestPath)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("catalog %s: read body: %w", endpoint, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{Endpoint: endpoint, Code: "429", Message: "too many requests"}
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{Endpoint: endpoint, Code: strconv.Itoa(resp.StatusCode), Message: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("catalog %s: decode envelope: %w", endpoint, err)
	}
	if env.Code != successCode {
		return &Error{Endpoint: endpoint, Code: env.Code, Message: env.Msg}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("catalog %s: decode data: %w", endpoint, err)
		}
	}
	return nil
}

// signRequest adds the venue's HMAC-SHA256 auth headers.
func signRequest(req *http.Request, creds Credentials, requestPath string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := timestamp + http.MethodGet + requestPath
	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", creds.APIKey)
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", creds.Passphrase)
}

func marketForProductType(productType string) string {
	for market, pt := range config.ProductTypes {
		if pt == productType {
			return market
		}
	}
	log.Warn().Str("product_type", productType).Msg("unmapped product type")
	return productType
}

func tickerNotionals(rows []ticker) map[string]float64 {
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		notional := parseFloat(r.USDTVolume)
		if notional == 0 {
			notional = parseFloat(r.QuoteVolume)
		}
		out[r.Symbol] = notional
	}
	return out
}

// Wire types. The venue reports numerics as strings.

type spotSymbol struct {
	Symbol         string `json:"symbol"`
	BaseCoin       string `json:"baseCoin"`
	QuoteCoin      string `json:"quoteCoin"`
	Status         string `json:"status"`
	MinTradeAmount string `json:"minTradeAmount"`
	MaxTradeAmount string `json:"maxTradeAmount"`
	QuantityScale  string `json:"quantityScale"`
	PriceScale     string `json:"priceScale"`
}

func (s spotSymbol) meta() events.SymbolMeta {
	return events.SymbolMeta{
		Symbol:    s.Symbol,
		Market:    events.MarketSpot,
		BaseCoin:  s.BaseCoin,
		QuoteCoin: s.QuoteCoin,
		Status:    s.Status,
		MinSize:   parseFloat(s.MinTradeAmount),
		MaxSize:   parseFloat(s.MaxTradeAmount),
		SizeTick:  parseFloat(s.QuantityScale),
		PriceTick: parseFloat(s.PriceScale),
	}
}

type futuresSymbol struct {
	Symbol         string `json:"symbol"`
	BaseCoin       string `json:"baseCoin"`
	QuoteCoin      string `json:"quoteCoin"`
	Status         string `json:"status"`
	MinTradeNum    string `json:"minTradeNum"`
	MaxTradeNum    string `json:"maxTradeNum"`
	SizeMultiplier string `json:"sizeMultiplier"`
	PricePlace     string `json:"pricePlace"`
}

func (f futuresSymbol) meta(market string) events.SymbolMeta {
	quote := f.QuoteCoin
	if quote == "" {
		quote = "USDT"
	}
	return events.SymbolMeta{
		Symbol:    f.Symbol,
		Market:    market,
		BaseCoin:  f.BaseCoin,
		QuoteCoin: quote,
		Status:    f.Status,
		MinSize:   parseFloat(f.MinTradeNum),
		MaxSize:   parseFloat(f.MaxTradeNum),
		SizeTick:  parseFloat(f.SizeMultiplier),
		PriceTick: parseFloat(f.PricePlace),
	}
}

type ticker struct {
	Symbol      string `json:"symbol"`
	USDTVolume  string `json:"usdtVolume"`
	QuoteVolume string `json:"quoteVolume"`
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
