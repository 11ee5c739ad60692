package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"time"

	paygate "github.com/nacorid/x402-paygate"
	x402http "github.com/nacorid/x402-paygate/http"
	"github.com/nacorid/x402-paygate/signers/evm"
)

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	key := fs.String("key", "", "Hex private key of the paying account (or PAYGATE_KEY)")
	target := fs.String("url", "", "URL of the resource to fetch (required)")
	maxAmount := fs.String("max-amount", "", "Refuse to pay more than this many atomic units")
	timeout := fs.Duration("timeout", 90*time.Second, "Overall request timeout")
	verbose := fs.Bool("verbose", false, "Log payment events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *target == "" {
		fs.Usage()
		return fmt.Errorf("-url is required")
	}
	if *key == "" {
		*key = os.Getenv("PAYGATE_KEY")
	}
	if *key == "" {
		return fmt.Errorf("-key or PAYGATE_KEY is required")
	}

	var opts []evm.Option
	if *maxAmount != "" {
		limit, ok := new(big.Int).SetString(*maxAmount, 10)
		if !ok {
			return fmt.Errorf("invalid -max-amount %q", *maxAmount)
		}
		opts = append(opts, evm.WithMaxAmount(limit))
	}
	signer, err := evm.NewSigner(*key, opts...)
	if err != nil {
		return err
	}

	clientOpts := []x402http.ClientOption{
		x402http.WithHTTPClient(&http.Client{Timeout: *timeout}),
		x402http.WithSigner(signer),
	}
	if *verbose {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		logEvent := func(e paygate.PaymentEvent) {
			logger.Info("payment event", "type", e.Type, "network", e.Network, "amount", e.Amount,
				"recipient", e.Recipient, "transaction", e.Transaction, "reason", e.Reason, "duration", e.Duration)
		}
		clientOpts = append(clientOpts,
			x402http.WithPaymentCallback(paygate.PaymentEventAttempt, logEvent),
			x402http.WithPaymentCallback(paygate.PaymentEventSuccess, logEvent),
			x402http.WithPaymentCallback(paygate.PaymentEventFailure, logEvent))
	}
	client, err := x402http.NewClient(clientOpts...)
	if err != nil {
		return err
	}

	fmt.Printf("Paying from %s\n", signer.Address().Hex())
	resp, err := client.Get(*target)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if settlement := x402http.GetSettlement(resp); settlement != nil {
		fmt.Printf("Settled: tx=%s network=%s payer=%s\n", settlement.Transaction, settlement.Network, settlement.Payer)
	}
	fmt.Printf("Status: %s\n", resp.Status)
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return err
	}
	fmt.Println()
	return nil
}
