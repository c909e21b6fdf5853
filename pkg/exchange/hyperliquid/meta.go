package hyperliquid

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/syncx"

	"copytrader/pkg/exchange"
)

// assetDirectory caches asset metadata for the process lifetime. Concurrent
// misses collapse into a single meta fetch.
type assetDirectory struct {
	client *Client
	flight syncx.SingleFlight

	mu     sync.RWMutex
	bySym  map[string]exchange.AssetMeta
	loaded bool
}

func newAssetDirectory(client *Client) *assetDirectory {
	return &assetDirectory{
		client: client,
		flight: syncx.NewSingleFlight(),
		bySym:  make(map[string]exchange.AssetMeta),
	}
}

func canonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (d *assetDirectory) lookup(ctx context.Context, symbol string) (*exchange.AssetMeta, error) {
	key := canonicalSymbol(symbol)
	if key == "" {
		return nil, &exchange.InvariantError{Reason: "empty symbol"}
	}
	if meta, ok := d.cached(key); ok {
		return &meta, nil
	}
	if _, err := d.flight.Do("meta", func() (interface{}, error) {
		return nil, d.refresh(ctx)
	}); err != nil {
		return nil, err
	}
	if meta, ok := d.cached(key); ok {
		return &meta, nil
	}
	return nil, fmt.Errorf("hyperliquid: asset %s not found", symbol)
}

func (d *assetDirectory) all(ctx context.Context) ([]exchange.AssetMeta, error) {
	d.mu.RLock()
	loaded := d.loaded
	d.mu.RUnlock()
	if !loaded {
		if _, err := d.flight.Do("meta", func() (interface{}, error) {
			return nil, d.refresh(ctx)
		}); err != nil {
			return nil, err
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]exchange.AssetMeta, 0, len(d.bySym))
	for _, meta := range d.bySym {
		out = append(out, meta)
	}
	return out, nil
}

func (d *assetDirectory) cached(key string) (exchange.AssetMeta, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	meta, ok := d.bySym[key]
	return meta, ok
}

func (d *assetDirectory) refresh(ctx context.Context) error {
	var resp metaResponse
	if err := d.client.doInfoRequest(ctx, InfoRequest{Type: "meta"}, &resp); err != nil {
		return err
	}
	if len(resp.Universe) == 0 {
		return fmt.Errorf("hyperliquid: meta response contained no assets")
	}
	bySym := make(map[string]exchange.AssetMeta, len(resp.Universe))
	for idx, entry := range resp.Universe {
		key := canonicalSymbol(entry.Name)
		if key == "" || entry.IsDelisted {
			continue
		}
		maxLev := entry.MaxLeverage
		if maxLev < 1 {
			maxLev = 1
		}
		bySym[key] = exchange.AssetMeta{
			Symbol:      entry.Name,
			Index:       idx,
			SzDecimals:  entry.SzDecimals,
			MaxLeverage: maxLev,
		}
	}
	d.mu.Lock()
	d.bySym = bySym
	d.loaded = true
	d.mu.Unlock()
	return nil
}

// Meta returns the full asset directory.
func (c *Client) Meta(ctx context.Context) ([]exchange.AssetMeta, error) {
	return c.assets.all(ctx)
}

// Asset resolves metadata for a single symbol.
func (c *Client) Asset(ctx context.Context, symbol string) (*exchange.AssetMeta, error) {
	return c.assets.lookup(ctx, symbol)
}

// MidPrice returns the current mid price for symbol from allMids.
func (c *Client) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key := canonicalSymbol(symbol)
	var mids map[string]string
	if err := c.doInfoRequest(ctx, InfoRequest{Type: "allMids"}, &mids); err != nil {
		return decimal.Zero, err
	}
	raw, ok := mids[key]
	if !ok {
		// allMids keys carry the listed capitalisation.
		for name, px := range mids {
			if canonicalSymbol(name) == key {
				raw = px
				ok = true
				break
			}
		}
	}
	if !ok || raw == "" {
		return decimal.Zero, fmt.Errorf("hyperliquid: no mid price for %s", symbol)
	}
	px, err := decimal.NewFromString(raw)
	if err != nil || px.Sign() <= 0 {
		return decimal.Zero, &exchange.InvariantError{Reason: fmt.Sprintf("bad mid price %q for %s", raw, symbol)}
	}
	return px, nil
}
