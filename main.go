package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"autosepolia/chain"
	"autosepolia/config"
	"autosepolia/distribute"
	"autosepolia/feeprice"
)

const FlagConfigFile = "config-file"

var configPath string

func main() {
	oplog.SetupDefaults()

	rootCmd := &cobra.Command{
		Use:   "autosepolia",
		Short: "Distribute Sepolia testnet ETH from funded keys to weighted destinations",
		Long: `autosepolia splits the balance of one or more funded Sepolia accounts
across a set of destination addresses by configurable percentages,
adapting gas prices to current network conditions and retrying stuck
or underpriced transactions with escalated fees.`,
	}

	rootCmd.AddCommand(
		runCmd(),
		planCmd(),
		checkCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the distribution batch",
		Long: `Run the full pipeline for every configured source account:
balance gate, fee-aware allocation, nonce-sequenced build, broadcast
and confirmation.

Example:
  autosepolia run -f ./config.yaml`,
		Run: func(cmd *cobra.Command, args []string) {
			app, err := newApp(configPath)
			if err != nil {
				fmt.Printf("Setup failed: %v\n", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			statuses := app.coordinator.Run(ctx, app.accounts, app.dests, app.method, app.tier)
			printStatuses(statuses)

			for _, s := range statuses {
				if s.State == distribute.StateError {
					os.Exit(1)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, FlagConfigFile, "f", "", "Path to the configuration file")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Dry run: resolve fees and print planned amounts without broadcasting",
		Run: func(cmd *cobra.Command, args []string) {
			app, err := newApp(configPath)
			if err != nil {
				fmt.Printf("Setup failed: %v\n", err)
				os.Exit(1)
			}
			if err := app.dryRun(context.Background()); err != nil {
				fmt.Printf("Plan failed: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, FlagConfigFile, "f", "", "Path to the configuration file")
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report balances and sufficiency for all source accounts",
		Run: func(cmd *cobra.Command, args []string) {
			app, err := newApp(configPath)
			if err != nil {
				fmt.Printf("Setup failed: %v\n", err)
				os.Exit(1)
			}
			if err := app.checkBalances(context.Background()); err != nil {
				fmt.Printf("Check failed: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, FlagConfigFile, "f", "", "Path to the configuration file")
	return cmd
}

// app wires the pipeline components from one loaded config.
type app struct {
	cfg         *config.Config
	client      *chain.EthClient
	gate        *distribute.BalanceGate
	planner     *distribute.Planner
	fees        feeprice.Resolver
	coordinator *distribute.Coordinator
	accounts    []*chain.Account
	dests       []distribute.Destination
	method      distribute.Method
	tier        feeprice.Tier
}

func newApp(path string) (*app, error) {
	if path == "" {
		return nil, fmt.Errorf("config file (-f) is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	chainID := client.ChainID()

	logger := log.Root()

	var gasOracle feeprice.GasOracleClient
	if cfg.EtherscanURL != "" {
		gasOracle = feeprice.NewEtherscanClient(cfg.EtherscanURL, cfg.EtherscanAPIKey)
	}
	fees := feeprice.NewOracle(client, gasOracle, feeprice.Policy{CacheTTL: cfg.FeeCacheTTL}, logger)

	gate := distribute.NewBalanceGate(client, fees, cfg.MinBalanceWei(), 3)
	planner := distribute.NewPlanner(decimal.NewFromFloat(cfg.ReserveSafety), decimal.NewFromFloat(cfg.WeightEpsilon))
	builder := distribute.NewBuilder(client, cfg.TipWei())
	submitter := distribute.NewSubmitter(client, client, fees, chainID, distribute.SubmitterConfig{
		PollInterval:   cfg.PollInterval,
		ConfirmTimeout: cfg.ConfirmTimeout,
		MaxAttempts:    cfg.MaxAttempts,
	}, logger)
	coordinator := distribute.NewCoordinator(gate, planner, builder, submitter, client, fees, distribute.CoordinatorConfig{
		Workers:        cfg.Workers,
		AccountTimeout: cfg.AccountTimeout,
	}, logger)

	accounts, err := cfg.SourceAccounts()
	if err != nil {
		return nil, err
	}
	method, err := distribute.ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	tier, err := feeprice.ParseTier(cfg.FeeTier)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:         cfg,
		client:      client,
		gate:        gate,
		planner:     planner,
		fees:        fees,
		coordinator: coordinator,
		accounts:    accounts,
		dests:       cfg.DestinationSpecs(),
		method:      method,
		tier:        tier,
	}, nil
}

func (a *app) checkBalances(ctx context.Context) error {
	for _, acct := range a.accounts {
		res, err := a.gate.Check(ctx, acct.Address())
		if err != nil {
			fmt.Printf("%s  balance read failed: %v\n", acct.Address(), err)
			continue
		}
		verdict := "ok"
		if !res.Sufficient {
			verdict = "low balance"
		}
		fmt.Printf("%s  %s ETH  (min %s ETH)  %s\n",
			acct.Address(), weiToEth(res.Balance), weiToEth(res.MinRequired), verdict)
	}
	return nil
}

func (a *app) dryRun(ctx context.Context) error {
	quote, err := a.fees.Resolve(ctx, a.tier)
	if err != nil {
		return err
	}
	fmt.Printf("fee price: %s gwei (tier %s, source %s)\n\n", weiToGwei(quote.Price), quote.Tier, quote.Source)

	for _, acct := range a.accounts {
		res, err := a.gate.Check(ctx, acct.Address())
		if err != nil {
			fmt.Printf("%s  balance read failed: %v\n", acct.Address(), err)
			continue
		}
		if !res.Sufficient {
			fmt.Printf("%s  %s ETH  below minimum %s ETH, skipped\n",
				acct.Address(), weiToEth(res.Balance), weiToEth(res.MinRequired))
			continue
		}
		allocs, err := a.planner.Plan(res.Balance, a.dests, quote, a.method)
		if err != nil {
			fmt.Printf("%s  planning failed: %v\n", acct.Address(), err)
			continue
		}
		fmt.Printf("%s  %s ETH spendable:\n", acct.Address(), weiToEth(res.Balance))
		for _, al := range allocs {
			fmt.Printf("  -> %s  %s ETH\n", al.Destination, weiToEth(al.Amount))
		}
	}
	return nil
}

func printStatuses(statuses []distribute.AccountStatus) {
	fmt.Println()
	for _, s := range statuses {
		line := fmt.Sprintf("%s  %s", s.Address, s.State)
		if s.Balance != nil {
			line += fmt.Sprintf("  balance=%s ETH", weiToEth(s.Balance))
		}
		if s.Err != "" {
			line += "  " + s.Err
		}
		fmt.Println(line)
		for _, o := range s.Outcomes {
			switch {
			case o.Succeeded && o.Pending:
				fmt.Printf("  -> %s  %s ETH  pending  tx=%s\n", o.Instruction.To, weiToEth(o.Instruction.Amount), o.TxHash)
			case o.Succeeded:
				fmt.Printf("  -> %s  %s ETH  confirmed in block %s  tx=%s\n",
					o.Instruction.To, weiToEth(o.Instruction.Amount), o.ConfirmedBlock, o.TxHash)
			default:
				fmt.Printf("  -> %s  failed: %v\n", o.Instruction.To, o.Err)
			}
		}
	}
}

func weiToEth(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}

func weiToGwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).String()
}
