package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/gateway"
	"github.com/dentiq/payrecon/internal/payment"
)

// statusprobe runs a single status query against the configured gateway and
// prints the raw and mapped status.
func main() {
	configPath := flag.String("config", "", "path to config yaml (environment only when empty)")
	ref := flag.String("ref", "", "external payment reference to query")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	if *ref == "" {
		log.Fatal("-ref is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("init gateway: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	raw, err := gw.Query(ctx, *ref)
	if err != nil {
		kind := "transient"
		if payment.IsPermanent(err) {
			kind = "permanent"
		}
		log.Fatalf("query %s (%s): %v", *ref, kind, err)
	}

	status := payment.Map(raw)
	fmt.Printf("gateway:  %s\n", gw.Name())
	fmt.Printf("ref:      %s\n", *ref)
	fmt.Printf("raw:      %s %s\n", raw.Code, raw.Detail)
	fmt.Printf("status:   %s (terminal=%t, known=%t)\n", status, status.IsTerminal(), payment.IsKnownCode(raw.Code))
}
