package feeprice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// GasPrices are wei-per-gas prices reported by an external gas oracle.
type GasPrices struct {
	Safe    *big.Int
	Propose *big.Int
	Fast    *big.Int
	BaseFee *big.Int
}

// GasOracleClient fetches a gas price table from a service outside the
// node, used when the node itself gives no usable fee data.
type GasOracleClient interface {
	Fetch(ctx context.Context) (*GasPrices, error)
}

// EtherscanClient queries the etherscan-style gastracker API. Calls are
// rate limited; the oracle layer caches results on top of this.
type EtherscanClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewEtherscanClient(endpoint, apiKey string) *EtherscanClient {
	return &EtherscanClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		// One call per 5s keeps well under the free-plan quota.
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

type gasOracleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
		FastGasPrice    string `json:"FastGasPrice"`
		SuggestBaseFee  string `json:"suggestBaseFee"`
	} `json:"result"`
}

func (c *EtherscanClient) Fetch(ctx context.Context) (*GasPrices, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("module", "gastracker")
	q.Set("action", "gasoracle")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gas oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gas oracle returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed gasOracleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("gas oracle response unmarshal: %w", err)
	}
	if parsed.Status != "1" {
		return nil, fmt.Errorf("gas oracle rejected request: %s", parsed.Message)
	}

	safe, err := gweiStringToWei(parsed.Result.SafeGasPrice)
	if err != nil {
		return nil, err
	}
	propose, err := gweiStringToWei(parsed.Result.ProposeGasPrice)
	if err != nil {
		return nil, err
	}
	fast, err := gweiStringToWei(parsed.Result.FastGasPrice)
	if err != nil {
		return nil, err
	}
	base, err := gweiStringToWei(parsed.Result.SuggestBaseFee)
	if err != nil {
		base = big.NewInt(0)
	}

	return &GasPrices{Safe: safe, Propose: propose, Fast: fast, BaseFee: base}, nil
}

// gweiStringToWei converts a decimal gwei string like "12.4" to wei,
// truncating anything below one wei.
func gweiStringToWei(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("bad gwei value %q: %w", s, err)
	}
	wei := d.Shift(9).Floor()
	if wei.Sign() < 0 {
		return nil, fmt.Errorf("negative gas price %q", s)
	}
	return wei.BigInt(), nil
}
