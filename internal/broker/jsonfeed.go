package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// JSONFeed reads positions from an HTTP endpoint returning either a JSON
// array of position objects or an object with a "positions" array, for
// gateways whose field names vary (see NormalizeRaw).
type JSONFeed struct {
	client *http.Client
	logger logrus.FieldLogger
	url    string
	token  string
}

var _ PositionFeed = (*JSONFeed)(nil)

// NewJSONFeed creates a feed for url. token, if set, is sent as a bearer token.
func NewJSONFeed(url, token string, logger logrus.FieldLogger) *JSONFeed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JSONFeed{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		url:    url,
		token:  token,
	}
}

// WithHTTPClient allows overriding the HTTP client.
func (f *JSONFeed) WithHTTPClient(c *http.Client) *JSONFeed {
	if c != nil {
		f.client = c
	}
	return f
}

// GetPositionsCtx fetches and normalizes positions. Objects that cannot be
// normalized are logged and skipped; a malformed document is an error.
func (f *JSONFeed) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading position feed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 64<<10 {
			body = body[:64<<10]
		}
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	raws, err := decodeRawPositions(body)
	if err != nil {
		return nil, err
	}

	items := make([]PositionItem, 0, len(raws))
	for i, raw := range raws {
		item, err := NormalizeRaw(raw)
		if err != nil {
			f.logger.WithError(err).WithField("index", i).Warn("skipping unreadable position")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeRawPositions(body []byte) ([]map[string]any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	if body[0] == '[' {
		var list []map[string]any
		if err := dec.Decode(&list); err != nil {
			return nil, fmt.Errorf("decoding position feed: %w", err)
		}
		return list, nil
	}

	var doc struct {
		Positions []map[string]any `json:"positions"`
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding position feed: %w", err)
	}
	return doc.Positions, nil
}

// Combined pairs a position feed with a separate quote source.
type Combined struct {
	PositionFeed
	QuoteSource
}

var _ Broker = Combined{}
