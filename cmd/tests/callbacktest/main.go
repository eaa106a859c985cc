package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/dentiq/payrecon/internal/callbacks"
	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (environment only when empty)")
	localID := flag.String("local-id", "callback-test", "local payment id to send")
	ref := flag.String("ref", "", "external payment reference")
	status := flag.String("status", string(payment.StatusConfirmed), "payment status to report")
	amount := flag.String("amount", "0", "amount used in the synthetic callback event")
	currency := flag.String("currency", "USD", "currency code")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Callbacks.StatusURL == "" {
		log.Fatalf("callbacks status_url is not configured")
	}

	st, err := payment.ParseStatus(*status)
	if err != nil {
		log.Fatalf("status: %v", err)
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		log.Fatalf("amount: %v", err)
	}

	now := time.Now().UTC()
	event := callbacks.StatusEvent{
		EventType:   string(reconcile.EventTerminal),
		LocalID:     *localID,
		ExternalRef: *ref,
		Status:      string(st),
		Amount:      amt.StringFixed(2),
		Currency:    *currency,
		Source:      string(reconcile.SourceManual),
		FinalizedAt: &now,
	}

	if err := callbacks.SendOnce(context.Background(), cfg.Callbacks, event); err != nil {
		log.Fatalf("send callback: %v", err)
	}

	fmt.Println("callback delivered to", cfg.Callbacks.StatusURL)
}
