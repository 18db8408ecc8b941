package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"RampSettle/internal/config"

	"github.com/shopspring/decimal"
)

var ErrNoQuote = errors.New("no valid quote from any endpoint")

// HTTPSource pulls a mid price from the configured endpoints in order; the
// first endpoint returning a positive number wins.
type HTTPSource struct {
	Endpoints []config.Endpoint
	Client    *http.Client
}

func NewHTTPSource(endpoints []config.Endpoint) *HTTPSource {
	return &HTTPSource{
		Endpoints: endpoints,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (decimal.Decimal, string, error) {
	errs := make([]error, 0, len(s.Endpoints))
	for _, ep := range s.Endpoints {
		mid, err := s.fetchOne(ctx, ep)
		if err == nil {
			return mid, ep.URL, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep.URL, err))
	}
	return decimal.Zero, "", errors.Join(append([]error{ErrNoQuote}, errs...)...)
}

func (s *HTTPSource) fetchOne(ctx context.Context, ep config.Endpoint) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("quote http status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("decode quote: %w", err)
	}
	mid, err := lookupNumber(doc, ep.Field)
	if err != nil {
		return decimal.Zero, err
	}
	if !mid.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive quote %s", mid)
	}
	return mid, nil
}

// lookupNumber walks a dot separated path ("data.0.price") through decoded JSON.
func lookupNumber(doc any, path string) (decimal.Decimal, error) {
	cur := doc
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			switch v := cur.(type) {
			case map[string]any:
				next, ok := v[key]
				if !ok {
					return decimal.Zero, fmt.Errorf("field %q missing", key)
				}
				cur = next
			case []any:
				var idx int
				if _, err := fmt.Sscanf(key, "%d", &idx); err != nil || idx < 0 || idx >= len(v) {
					return decimal.Zero, fmt.Errorf("index %q out of range", key)
				}
				cur = v[idx]
			default:
				return decimal.Zero, fmt.Errorf("cannot descend into %q", key)
			}
		}
	}
	switch v := cur.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	}
	return decimal.Zero, fmt.Errorf("field %q is not a number", path)
}
