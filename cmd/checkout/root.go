package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"escrowpay/internal/chains"
	"escrowpay/internal/checkout"
	"escrowpay/internal/escrow"
	"escrowpay/internal/intent"
	"escrowpay/internal/logging"
	"escrowpay/internal/tokens"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	apiURL     string
	rpcURL     string
	privateKey string
	assumeYes  bool
	reason     string
	verbose    bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Pay and inspect escrows from the command line",
	Long: `checkout drives the buyer side of an escrow payment.

Configuration:
  --api-url      escrow API base URL (or ESCROWPAY_API_URL)
  --rpc-url      JSON-RPC endpoint for the escrow's chain (or RPC_URL_<chainId>)
  --private-key  hex key that signs the approve and fund transactions (or CHECKOUT_PRIVATE_KEY)

Examples:
  checkout show 01HXYZ...
  checkout pay 01HXYZ... --rpc-url https://arb1.arbitrum.io/rpc
  checkout receipt 01HXYZ...
  checkout dispute 01HXYZ... --reason "item never arrived"`,
	SilenceUsage: true,
}

var showCmd = &cobra.Command{
	Use:   "show <escrow-id>",
	Short: "Show an escrow and its current fund intent",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var payCmd = &cobra.Command{
	Use:   "pay <escrow-id>",
	Short: "Approve and fund an escrow",
	Args:  cobra.ExactArgs(1),
	RunE:  runPay,
}

var receiptCmd = &cobra.Command{
	Use:   "receipt <escrow-id>",
	Short: "Print the funding receipt",
	Args:  cobra.ExactArgs(1),
	RunE:  runReceipt,
}

var disputeCmd = &cobra.Command{
	Use:   "dispute <escrow-id>",
	Short: "Dispute a funded escrow as its payer",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispute,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("ESCROWPAY_API_URL", "http://localhost:3000"), "escrow API base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline for the command")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log wallet activity")

	payCmd.Flags().StringVar(&rpcURL, "rpc-url", "", "JSON-RPC endpoint for the escrow's chain")
	payCmd.Flags().StringVar(&privateKey, "private-key", os.Getenv("CHECKOUT_PRIVATE_KEY"), "hex private key of the paying wallet")
	payCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "sign every transaction without asking")

	disputeCmd.Flags().StringVar(&reason, "reason", "", "why the payment is disputed")
	disputeCmd.Flags().StringVar(&privateKey, "private-key", os.Getenv("CHECKOUT_PRIVATE_KEY"), "hex private key of the paying wallet")
	_ = disputeCmd.MarkFlagRequired("reason")

	rootCmd.AddCommand(showCmd, payCmd, receiptCmd, disputeCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	client := newAPIClient()

	rec, err := client.Escrow(ctx, args[0])
	if err != nil {
		return report(cmd, err)
	}
	out := struct {
		Escrow escrow.Record      `json:"escrow"`
		Intent *intent.FundIntent `json:"intent,omitempty"`
	}{Escrow: rec}
	if rec.Status == escrow.StatusCreated {
		fi, err := client.FundIntent(ctx, rec.ID)
		if err != nil {
			return report(cmd, err)
		}
		out.Intent = &fi
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runPay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if privateKey == "" {
		return errors.New("a private key is required: set --private-key or CHECKOUT_PRIVATE_KEY")
	}

	logger := zap.NewNop()
	if verbose {
		l, err := logging.New("debug", "development")
		if err != nil {
			return err
		}
		logger = l
	}

	client := newAPIClient()
	fi, err := client.FundIntent(ctx, args[0])
	if err != nil {
		return report(cmd, err)
	}
	chain, err := walletChain(fi.ChainID)
	if err != nil {
		return err
	}

	wallet, err := checkout.NewEthWallet(ctx, checkout.EthWalletConfig{
		Chain:         chain,
		PrivateKeyHex: privateKey,
		Confirm:       confirmer(cmd.InOrStdin(), cmd.OutOrStdout(), fi),
		PollInterval:  2 * time.Second,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer wallet.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Paying %s %s on %s from %s\n", fi.DisplayAmount, fi.Token.Symbol, chain.Name, wallet.Address().Hex())

	session := checkout.NewSession(fi, wallet, checkout.WithLogger(logger))
	approved, err := session.ObserveApproval(ctx)
	if err != nil {
		return report(cmd, err)
	}
	if !approved {
		fmt.Fprintln(cmd.OutOrStdout(), "Approving token spend...")
		if err := session.Approve(ctx); err != nil {
			return report(cmd, err)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Funding escrow...")
	res, err := session.Fund(ctx)
	if err != nil {
		return report(cmd, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Funded in %s (block %d)\n", res.TxHash, res.Block)

	if _, err := client.ConfirmFunding(ctx, fi.EscrowID, res.TxHash, wallet.Address().Hex()); err != nil {
		return report(cmd, err)
	}
	rcpt, err := client.Receipt(ctx, fi.EscrowID)
	if err != nil {
		return report(cmd, err)
	}
	return printJSON(cmd.OutOrStdout(), rcpt)
}

func runReceipt(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	rcpt, err := newAPIClient().Receipt(ctx, args[0])
	if err != nil {
		return report(cmd, err)
	}
	return printJSON(cmd.OutOrStdout(), rcpt)
}

func runDispute(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	sig, err := disputeSignature(args[0], reason, privateKey)
	if err != nil {
		return err
	}
	rec, err := newAPIClient().Dispute(ctx, args[0], reason, sig)
	if err != nil {
		return report(cmd, err)
	}
	return printJSON(cmd.OutOrStdout(), rec)
}

// disputeSignature signs the dispute message with the payer's key.
func disputeSignature(escrowID, reason, keyHex string) (string, error) {
	if keyHex == "" {
		return "", errors.New("a private key is required: set --private-key or CHECKOUT_PRIVATE_KEY")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return escrow.SignDispute(escrowID, reason, func(hash []byte) ([]byte, error) {
		return crypto.Sign(hash, key)
	})
}

func newAPIClient() *checkout.APIClient {
	return checkout.NewAPIClient(apiURL, &http.Client{Timeout: 30 * time.Second})
}

// walletChain picks the built-in chain config for id, with the RPC endpoint
// from --rpc-url or RPC_URL_<id>.
func walletChain(id uint64) (chains.ChainConfig, error) {
	override := rpcURL
	if override == "" {
		override = os.Getenv(fmt.Sprintf("RPC_URL_%d", id))
	}
	configs := chains.DefaultChains()
	if override != "" {
		configs = chains.WithRPCOverrides(configs, map[uint64]string{id: override})
	}
	reg, err := chains.NewRegistry(configs)
	if err != nil {
		return chains.ChainConfig{}, err
	}
	chain, ok := reg.ChainByID(id)
	if !ok {
		return chains.ChainConfig{}, fmt.Errorf("chain %d is not supported by this client", id)
	}
	if chain.RPCURL == "" {
		return chains.ChainConfig{}, fmt.Errorf("no rpc url for chain %d: set --rpc-url or RPC_URL_%d", id, id)
	}
	return chain, nil
}

func confirmer(in io.Reader, out io.Writer, fi intent.FundIntent) checkout.ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(label string, call intent.Call) bool {
		if assumeYes {
			return true
		}
		fmt.Fprintf(out, "Sign %s transaction to %s", label, call.To)
		if call.Value != "0" {
			if eth, err := tokens.FormatUnits(call.Value, 18); err == nil {
				fmt.Fprintf(out, " sending %s native", eth)
			}
		}
		fmt.Fprintf(out, " for escrow %s? [y/N] ", fi.EscrowID)
		line, _ := reader.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

// report prints the buyer-facing message and returns the underlying error.
func report(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), checkout.UserMessage(err))
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
