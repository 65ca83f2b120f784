package web3

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// DefaultGasOracleURL is the ethgasstation-compatible price feed.
const DefaultGasOracleURL = "https://ethgasstation.info/json/ethgasAPI.json"

var oneGwei = big.NewInt(1_000_000_000)

// GasOracle polls an ethgasstation-compatible JSON feed for gas prices.
type GasOracle struct {
	url    string
	client *http.Client
}

// NewGasOracle creates an oracle client for the given feed URL.
func NewGasOracle(url string) *GasOracle {
	if url == "" {
		url = DefaultGasOracleURL
	}
	return &GasOracle{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// GasPrices fetches the current safe-low and standard gas prices in wei.
// The feed reports prices in tenths of Gwei. Some feeds briefly report a
// safe-low above standard; standard is then lifted to safe-low plus one Gwei
// so the two tiers stay ordered.
func (o *GasOracle) GasPrices(ctx context.Context) (safeLow, standard *big.Int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("gas oracle fetch: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("gas oracle returned status %d", resp.StatusCode)
	}
	var feed struct {
		SafeLow float64 `json:"safeLow"`
		Average float64 `json:"average"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, nil, fmt.Errorf("gas oracle decode: %w", err)
	}
	safeLow = tenthsGweiToWei(feed.SafeLow)
	standard = tenthsGweiToWei(feed.Average)
	if safeLow.Cmp(standard) > 0 {
		standard = new(big.Int).Add(safeLow, oneGwei)
	}
	return safeLow, standard, nil
}

// tenthsGweiToWei converts a feed value in tenths of Gwei to wei.
func tenthsGweiToWei(v float64) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(v*10)), big.NewInt(10_000_000))
}
