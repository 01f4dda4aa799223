package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/trading/paper"
	"go.uber.org/zap"
)

// priceCacheTTL 行情缓存时长。账本在一次会议内多次问价，没必要每次都打远端。
const priceCacheTTL = 5 * time.Second

// PriceClient fetches realtime quotes from the financial-data service over
// the same MCP route the market_data tool uses.
type PriceClient struct {
	serverURL string
	client    *http.Client
	logger    *zap.Logger

	mu     sync.Mutex
	cached map[string]cachedPrice
}

type cachedPrice struct {
	price float64
	at    time.Time
}

// NewPriceClient 创建行情客户端
func NewPriceClient(serverURL string, logger *zap.Logger) *PriceClient {
	return &PriceClient{
		serverURL: serverURL,
		client:    &http.Client{Timeout: defaultRemoteTimeout},
		cached:    make(map[string]cachedPrice),
		logger:    logger.With(zap.String("component", "price-client")),
	}
}

// Feed returns a paper.PriceFeed backed by this client.
func (c *PriceClient) Feed() paper.PriceFeed {
	return c.Price
}

// Price returns the latest quote for the symbol.
func (c *PriceClient) Price(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	if entry, ok := c.cached[symbol]; ok && time.Since(entry.at) < priceCacheTTL {
		c.mu.Unlock()
		return entry.price, nil
	}
	c.mu.Unlock()

	payload, _ := json.Marshal(map[string]interface{}{
		"symbol": symbol,
		"mode":   "quote",
	})
	url := fmt.Sprintf("%s/mcp/tools/market_data", c.serverURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch quote: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("quote endpoint HTTP %d", resp.StatusCode)
	}

	var remote remoteResponse
	if err := json.Unmarshal(raw, &remote); err != nil {
		return 0, fmt.Errorf("decode quote: %w", err)
	}
	if !remote.Success {
		return 0, fmt.Errorf("quote failed: %s", remote.Error)
	}

	var result struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(remote.Result, &result); err != nil {
		return 0, fmt.Errorf("parse quote: %w", err)
	}
	if result.Price <= 0 {
		return 0, fmt.Errorf("quote returned non-positive price %.4f", result.Price)
	}

	c.mu.Lock()
	c.cached[symbol] = cachedPrice{price: result.Price, at: time.Now()}
	c.mu.Unlock()

	return result.Price, nil
}
