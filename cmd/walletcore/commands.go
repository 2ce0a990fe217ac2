package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/spf13/cobra"

	"github.com/uniswap/walletcore"
)

func newNonceCmd(opts *rootOptions) *cobra.Command {
	var (
		chainID uint64
		account string
		private bool
	)
	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Print the nonce the next transaction of an account would use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := parseAddress("account", account)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				n, err := a.service.GetNextNonce(ctx, walletcore.NonceParams{
					Account:             addr,
					ChainID:             chainID,
					SubmitViaPrivateRPC: private,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), n)
			})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain", 1, "chain id")
	cmd.Flags().StringVar(&account, "account", "", "account address")
	cmd.Flags().BoolVar(&private, "private", false, "ask the private RPC of the chain")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		chainID         uint64
		from, to, token string
		value           string
		private         bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send native currency or an ERC-20 token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			recipient, err := parseAddress("to", to)
			if err != nil {
				return err
			}
			amount, ok := math.ParseBig256(value)
			if !ok {
				return fmt.Errorf("--value: invalid amount %q", value)
			}
			var tokenAddr common.Address
			if token != "" {
				if tokenAddr, err = parseAddress("token", token); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				acc, err := a.account(from)
				if err != nil {
					return err
				}
				hash, err := a.transfers.ExecuteTransfer(ctx, walletcore.TransferParams{
					Account:             acc,
					ChainID:             chainID,
					Token:               tokenAddr,
					Recipient:           recipient,
					Amount:              amount,
					SubmitViaPrivateRPC: private,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), hash.Hex())
				return err
			})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain", 1, "chain id")
	cmd.Flags().StringVar(&from, "from", "", "sending account (default: the key's account)")
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&token, "token", "", "ERC-20 token address (default: native currency)")
	cmd.Flags().StringVar(&value, "value", "0", "amount in base units")
	cmd.Flags().BoolVar(&private, "private", false, "submit through the private RPC of the chain")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var (
		chainID uint64
		account string
		txID    string
	)
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending transaction or UniswapX order from the persisted store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				acc, err := a.account(account)
				if err != nil {
					return err
				}
				key := walletcore.TransactionKey{From: acc.Address, ChainID: chainID, ID: txID}
				tx, ok := a.store.Transaction(key)
				if !ok {
					return fmt.Errorf("%w: %s", walletcore.ErrTransactionNotFound, txID)
				}
				if err := a.canceller.CancelTransaction(ctx, tx); err != nil {
					return err
				}
				updated, _ := a.store.Transaction(key)
				return printJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain", 1, "chain id")
	cmd.Flags().StringVar(&account, "account", "", "account of the transaction (default: the key's account)")
	cmd.Flags().StringVar(&txID, "tx-id", "", "local transaction id")
	_ = cmd.MarkFlagRequired("tx-id")
	return cmd
}

func newSwapCmd(opts *rootOptions) *cobra.Command {
	var (
		chainID   uint64
		from      string
		quoteFile string
		private   bool
	)
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Execute a swap from a quote file (classic, bridge or UniswapX)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var info walletcore.SwapTxAndGasInfo
			if err := readJSON(quoteFile, &info); err != nil {
				return err
			}
			swap, err := walletcore.ValidateSwapTxAndGasInfo(info)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				acc, err := a.account(from)
				if err != nil {
					return err
				}
				res, err := a.swaps.ExecuteSwap(ctx, walletcore.SwapParams{
					Account:             acc,
					ChainID:             chainID,
					Swap:                swap,
					SubmitViaPrivateRPC: private,
					Analytics:           map[string]any{"source": "cli"},
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain", 1, "chain id")
	cmd.Flags().StringVar(&from, "from", "", "swapping account (default: the key's account)")
	cmd.Flags().StringVar(&quoteFile, "quote", "", "JSON file with the swap transaction and gas info")
	cmd.Flags().BoolVar(&private, "private", false, "submit through the private RPC of the chain")
	_ = cmd.MarkFlagRequired("quote")
	return cmd
}

func newSendCallsCmd(opts *rootOptions) *cobra.Command {
	var (
		chainID   uint64
		from      string
		callsFile string
		batchID   string
		dapp      string
	)
	cmd := &cobra.Command{
		Use:   "send-calls",
		Short: "Execute a batch of calls as one transaction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var calls []walletcore.Call
			if err := readJSON(callsFile, &calls); err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				acc, err := a.account(from)
				if err != nil {
					return err
				}
				res, err := a.batches.ExecuteBatch(ctx, walletcore.BatchParams{
					BatchID: batchID,
					Account: acc,
					ChainID: chainID,
					Calls:   calls,
					Dapp:    dapp,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain", 1, "chain id")
	cmd.Flags().StringVar(&from, "from", "", "sending account (default: the key's account)")
	cmd.Flags().StringVar(&callsFile, "calls", "", "JSON file with the calls")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch id to reuse (default: generated)")
	cmd.Flags().StringVar(&dapp, "dapp", "", "requesting dapp")
	_ = cmd.MarkFlagRequired("calls")
	return cmd
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that every configured RPC endpoint serves its chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				ids := a.registry.ChainIDs()
				if len(ids) == 0 {
					return errors.New("no chains configured")
				}
				if err := a.registry.Ping(ctx); err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "chain %d ok\n", id)
				}
				return nil
			})
		},
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
