package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gacha-x402/backend/internal/chain"
	"github.com/gacha-x402/backend/internal/client"
	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/x402"
	"go.uber.org/zap"
)

func main() {
	deviceID := flag.String("device", "ESP32_001", "device id")
	command := flag.String("command", "play", "command to run")
	pending := flag.Bool("pending", false, "list journaled payments without a final result and exit")
	resume := flag.Bool("resume", false, "resubmit journaled payments without a final result and exit")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	journal := client.NewFileJournal(cfg.JournalPath)

	if *pending {
		entries, err := journal.Unfinished()
		if err != nil {
			log.Fatal("failed to read journal", zap.Error(err))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(entries)
		return
	}

	if cfg.PayerPrivateKey == "" {
		log.Fatal("PAYER_PRIVATE_KEY is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wallet, err := chain.NewKeyWallet(ctx, cfg.PayerPrivateKey, cfg.PaymentNetwork, cfg.RPCURLs, log)
	if err != nil {
		log.Fatal("failed to open wallet", zap.Error(err))
	}

	fallback := x402.DefaultFallback
	fallback.Network = cfg.PaymentNetwork
	fallback.Recipient = cfg.PaymentRecipient
	negotiator := x402.NewNegotiator(fallback, log, x402.WithAssetResolver(chain.IsUSDC))

	executor := chain.NewExecutor(wallet, log, chain.WithReceipts(wallet, cfg.MinConfirmations))
	orchestrator := client.NewOrchestrator(cfg.GatewayURL, negotiator, executor, log,
		client.WithJournal(journal),
		client.WithObserver(func(t client.Transition) {
			fmt.Fprintf(os.Stderr, "%s -> %s\n", t.From, t.To)
		}),
	)

	if *resume {
		entries, err := journal.Unfinished()
		if err != nil {
			log.Fatal("failed to read journal", zap.Error(err))
		}
		failed := 0
		for _, e := range entries {
			out, err := orchestrator.Resume(ctx, e)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s: error [%s]: %s\n", e.TxHash, x402.CodeOf(err), x402.UserMessage(err))
				continue
			}
			fmt.Printf("%s: %s\n", e.TxHash, out.Body)
		}
		if failed > 0 {
			log.Fatal("some payments could not be resumed", zap.Int("failed", failed), zap.Int("total", len(entries)))
		}
		return
	}

	out, err := orchestrator.Run(ctx, x402.DeviceCommandRequest{
		DeviceID:      *deviceID,
		Command:       *command,
		WalletAddress: wallet.Address().Hex(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", x402.CodeOf(err), x402.UserMessage(err))
		log.Fatal("command failed", zap.Error(err))
	}

	if out.Degraded {
		log.Warn("paid the fallback requirement, the gateway's 402 body was unreadable")
	}
	if out.TxHash != "" {
		log.Info("payment settled", zap.String("tx_hash", out.TxHash), zap.Bool("confirmed", out.Settlement != nil))
	}
	fmt.Println(string(out.Body))
}
