package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
)

// maxQuoteSymbols caps symbols per quotes request to keep the URL short.
const maxQuoteSymbols = 100

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierAPI is a read-only Tradier client for positions and quotes.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

var _ Broker = (*TradierAPI)(nil)

// NewTradierAPI creates a new TradierAPI client with default settings.
// An empty baseURL selects the sandbox or production host.
func NewTradierAPI(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}

	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logrus.StandardLogger(),
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if t.client != nil && timeout > 0 {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for rate-limit and body-close diagnostics.
func (t *TradierAPI) WithLogger(logger logrus.FieldLogger) *TradierAPI {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type positionsResponse struct {
	Positions positionsWrapper `json:"positions"`
}

// positionsWrapper handles positions being "null" or an object
type positionsWrapper struct {
	Position singleOrArray[tradierPosition] `json:"position"`
}

func (pw *positionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = positionsWrapper{}
		return nil
	}

	type normalWrapper positionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

type tradierPosition struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// item converts a Tradier lot to a PositionItem. Tradier reports total cost
// basis (negative for shorts); the feed wants per-unit average cost.
func (p tradierPosition) item() PositionItem {
	item := PositionItem{
		Symbol:   strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Quantity: p.Quantity,
	}
	if p.Quantity == 0 {
		return item
	}
	mult := 1.0
	if sym, err := occ.Parse(item.Symbol); err == nil {
		mult = float64(sym.Multiplier)
	}
	item.AvgCost = math.Abs(p.CostBasis) / math.Abs(p.Quantity) / mult
	return item
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[tradierQuote] `json:"quote"`
	} `json:"quotes"`
}

type tradierQuote struct {
	Symbol string   `json:"symbol"`
	Last   *float64 `json:"last"`
	Bid    *float64 `json:"bid"`
	Ask    *float64 `json:"ask"`
	Close  *float64 `json:"close"`
	Volume *int64   `json:"volume"`
}

func (q tradierQuote) quote() *Quote {
	return &Quote{
		Symbol: strings.ToUpper(q.Symbol),
		Last:   q.Last,
		Bid:    q.Bid,
		Ask:    q.Ask,
		Close:  q.Close,
		Volume: q.Volume,
	}
}

// ============ API Methods ============

// GetPositionsCtx retrieves current positions from the account with context support.
func (t *TradierAPI) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, url.PathEscape(t.accountID))

	var response positionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, &response); err != nil {
		return nil, err
	}

	items := make([]PositionItem, 0, len(response.Positions.Position))
	for _, p := range response.Positions.Position {
		items = append(items, p.item())
	}
	return items, nil
}

// GetQuoteCtx retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuoteCtx(ctx context.Context, symbol string) (*Quote, error) {
	quotes, err := t.GetQuotesBatchCtx(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	return q, nil
}

// GetQuotesBatchCtx retrieves quotes for many symbols, chunked per request.
func (t *TradierAPI) GetQuotesBatchCtx(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	out := make(map[string]*Quote, len(symbols))
	for start := 0; start < len(symbols); start += maxQuoteSymbols {
		end := start + maxQuoteSymbols
		if end > len(symbols) {
			end = len(symbols)
		}

		params := url.Values{}
		params.Set("symbols", strings.Join(symbols[start:end], ","))
		params.Set("greeks", "false")
		endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

		var response quotesResponse
		if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, &response); err != nil {
			return nil, err
		}
		for _, q := range response.Quotes.Quote {
			if q.Symbol == "" {
				continue
			}
			out[strings.ToUpper(q.Symbol)] = q.quote()
		}
	}
	return out, nil
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	if err != nil {
		return err
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "ledgerkeeper/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	if remaining := rateLimitRemaining(resp.Header); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("tradier rate limit")
	}

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}

func rateLimitRemaining(h http.Header) string {
	for _, k := range []string{"X-Ratelimit-Available", "X-RateLimit-Remaining"} {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}
