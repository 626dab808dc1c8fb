package config

import (
	"bufio"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"autosepolia/chain"
	"autosepolia/distribute"
	"autosepolia/feeprice"
)

type DestinationConfig struct {
	Address string  `mapstructure:"address"`
	Weight  float64 `mapstructure:"weight"`
}

type Config struct {
	RPCURL          string `mapstructure:"rpc_url"`
	EtherscanURL    string `mapstructure:"etherscan_url"`
	EtherscanAPIKey string `mapstructure:"etherscan_api_key"`

	// Source credentials: inline keys, a file with one key per line, or both.
	PrivateKeys []string `mapstructure:"private_keys"`
	KeysFile    string   `mapstructure:"keys_file"`

	Destinations []DestinationConfig `mapstructure:"destinations"`
	Method       string              `mapstructure:"method"`
	FeeTier      string              `mapstructure:"fee_tier"`

	// Policy constants. Defaults match the values the pipeline was tuned
	// with; all are overridable per deployment.
	MinBalanceEth  float64       `mapstructure:"min_balance_eth"`
	ReserveSafety  float64       `mapstructure:"reserve_safety"`
	WeightEpsilon  float64       `mapstructure:"weight_epsilon"`
	TipGwei        float64       `mapstructure:"tip_gwei"`
	FeeCacheTTL    time.Duration `mapstructure:"fee_cache_ttl"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	AccountTimeout time.Duration `mapstructure:"account_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Workers        int           `mapstructure:"workers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("etherscan_url", "https://api-sepolia.etherscan.io/api")
	v.SetDefault("method", string(distribute.MethodPercentage))
	v.SetDefault("fee_tier", string(feeprice.TierAverage))
	v.SetDefault("min_balance_eth", 0.005)
	v.SetDefault("reserve_safety", 1.2)
	v.SetDefault("weight_epsilon", 0.01)
	v.SetDefault("tip_gwei", 1.0)
	v.SetDefault("fee_cache_ttl", "2m")
	v.SetDefault("poll_interval", "2500ms")
	v.SetDefault("confirm_timeout", "90s")
	v.SetDefault("account_timeout", "4m")
	v.SetDefault("max_attempts", 3)
	v.SetDefault("workers", 4)
}

// Load reads, unmarshals and validates the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies every pre-pipeline check: malformed keys, addresses or
// weights never reach the balance gate.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url must be set")
	}

	keys, err := c.allKeys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("no source private keys configured")
	}
	for i, k := range keys {
		if err := chain.ValidatePrivateKey(k); err != nil {
			return fmt.Errorf("source key %d: %w", i+1, err)
		}
	}

	if len(c.Destinations) == 0 {
		return fmt.Errorf("no destinations configured")
	}
	seen := make(map[string]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		if err := chain.ValidateAddress(d.Address); err != nil {
			return fmt.Errorf("destination %d: %w", i+1, err)
		}
		lower := strings.ToLower(d.Address)
		if seen[lower] {
			return fmt.Errorf("duplicate destination address %s", d.Address)
		}
		seen[lower] = true
	}

	method, err := distribute.ParseMethod(c.Method)
	if err != nil {
		return err
	}
	if _, err := feeprice.ParseTier(c.FeeTier); err != nil {
		return err
	}
	if err := distribute.ValidateWeights(c.DestinationSpecs(), method, decimal.NewFromFloat(c.WeightEpsilon)); err != nil {
		return err
	}
	return nil
}

// SourceAccounts parses all configured credentials into accounts.
func (c *Config) SourceAccounts() ([]*chain.Account, error) {
	keys, err := c.allKeys()
	if err != nil {
		return nil, err
	}
	accounts := make([]*chain.Account, 0, len(keys))
	for i, k := range keys {
		acct, err := chain.NewAccount(k)
		if err != nil {
			return nil, fmt.Errorf("source key %d: %w", i+1, err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (c *Config) DestinationSpecs() []distribute.Destination {
	dests := make([]distribute.Destination, len(c.Destinations))
	for i, d := range c.Destinations {
		dests[i] = distribute.Destination{
			Address: ethcmn.HexToAddress(d.Address),
			Weight:  decimal.NewFromFloat(d.Weight),
		}
	}
	return dests
}

func (c *Config) MinBalanceWei() *big.Int {
	return decimal.NewFromFloat(c.MinBalanceEth).
		Mul(decimal.New(params.Ether, 0)).
		Floor().
		BigInt()
}

func (c *Config) TipWei() *big.Int {
	return decimal.NewFromFloat(c.TipGwei).
		Mul(decimal.New(params.GWei, 0)).
		Floor().
		BigInt()
}

func (c *Config) allKeys() ([]string, error) {
	keys := make([]string, 0, len(c.PrivateKeys))
	keys = append(keys, c.PrivateKeys...)
	if c.KeysFile != "" {
		fileKeys, err := readLines(c.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("keys file: %w", err)
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

// readLines returns the non-empty trimmed lines of a file.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
