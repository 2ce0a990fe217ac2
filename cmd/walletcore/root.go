package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uniswap/walletcore/config"
	"github.com/uniswap/walletcore/logging"
)

const defaultKeyEnv = "WALLETCORE_PRIVATE_KEY"

type rootOptions struct {
	configPath string
	keyEnv     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "walletcore",
		Short:         "Multi-chain wallet transaction tool",
		Long:          "walletcore prepares, signs and submits wallet transactions, and cancels or replaces pending ones.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./walletcore.yaml)")
	root.PersistentFlags().StringVar(&opts.keyEnv, "key-env", defaultKeyEnv, "environment variable holding the signing key")

	root.AddCommand(
		newNonceCmd(opts),
		newSendCmd(opts),
		newCancelCmd(opts),
		newSwapCmd(opts),
		newSendCallsCmd(opts),
		newPingCmd(opts),
	)
	return root
}

// withApp loads the configuration, wires the library and runs fn.
func withApp(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if key := os.Getenv(opts.keyEnv); key != "" {
		addr, err := a.keyring.AddHexKey(key)
		if err != nil {
			return fmt.Errorf("%s: %w", opts.keyEnv, err)
		}
		a.defaultAccount = addr
	}
	return fn(ctx, a)
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
