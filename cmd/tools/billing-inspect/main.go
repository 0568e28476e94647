// Package main implements the billing-inspect CLI tool for examining the
// reconciled billing state of a user or subscription directly from the
// ledgers, bypassing the HTTP API.
//
// This tool is intended for operational debugging: answering "what plan does
// this user actually have" and "what did we record for this payment" during
// a drift investigation.
//
// Usage:
//
//	go run ./cmd/tools/billing-inspect --user=user_123
//	go run ./cmd/tools/billing-inspect --subscription=sub-local-id --limit=20
//	go run ./cmd/tools/billing-inspect --provider-sub=sub_stripe_id
//
// The tool reads DATABASE_URL from the environment (or a .env file via
// godotenv).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"foliobase/internal/db"
	"foliobase/internal/query"
)

func main() {
	userID := flag.String("user", "", "print the user's current billing status")
	subscriptionID := flag.String("subscription", "", "print the subscription's payment history (local id)")
	providerSubID := flag.String("provider-sub", "", "print the ledger row for a provider subscription id")
	limit := flag.Int("limit", 20, "maximum payments to list")
	flag.Parse()

	if *userID == "" && *subscriptionID == "" && *providerSubID == "" {
		fmt.Fprintln(os.Stderr, "usage: billing-inspect --user=<id> | --subscription=<id> | --provider-sub=<id>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*userID, *subscriptionID, *providerSubID, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(userID, subscriptionID, providerSubID string, limit int) error {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	subs := db.NewSubscriptionRepo(pool, logger)
	payments := db.NewPaymentRepo(pool, logger)
	facade := query.NewFacade(subs, payments)

	if userID != "" {
		if err := printCurrentStatus(ctx, facade, userID); err != nil {
			return err
		}
	}

	if providerSubID != "" {
		if err := printProviderSubscription(ctx, subs, providerSubID); err != nil {
			return err
		}
	}

	if subscriptionID != "" {
		if err := printPayments(ctx, facade, subscriptionID, limit); err != nil {
			return err
		}
	}

	return nil
}

func printCurrentStatus(ctx context.Context, facade *query.Facade, userID string) error {
	status, err := facade.GetCurrentStatus(ctx, userID)
	if err != nil {
		return fmt.Errorf("current status for user %s: %w", userID, err)
	}

	fmt.Printf("user:        %s\n", userID)
	fmt.Printf("plan:        %s\n", status.PlanKey)
	fmt.Printf("status:      %s\n", status.Status)
	fmt.Printf("period_end:  %s\n", status.PeriodEnd.UTC().Format(time.RFC3339))
	return nil
}

func printProviderSubscription(ctx context.Context, subs *db.SubscriptionRepo, providerSubID string) error {
	sub, err := subs.GetByProviderID(ctx, providerSubID)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", providerSubID, err)
	}

	seq := "none (snapshot only)"
	if sub.ProviderEventSeq != nil {
		seq = fmt.Sprintf("%d", *sub.ProviderEventSeq)
	}

	fmt.Printf("id:                  %s\n", sub.ID)
	fmt.Printf("provider_sub_id:     %s\n", sub.ProviderSubscriptionID)
	fmt.Printf("user:                %s\n", orPlaceholder(sub.UserID))
	fmt.Printf("plan:                %s\n", orPlaceholder(string(sub.PlanKey)))
	fmt.Printf("status:              %s\n", sub.Status)
	fmt.Printf("period:              %s .. %s\n",
		sub.CurrentPeriodStart.UTC().Format(time.RFC3339),
		sub.CurrentPeriodEnd.UTC().Format(time.RFC3339))
	fmt.Printf("updated_at:          %s\n", sub.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Printf("provider_event_seq:  %s\n", seq)
	return nil
}

func printPayments(ctx context.Context, facade *query.Facade, subscriptionID string, limit int) error {
	list, err := facade.ListPayments(ctx, subscriptionID, limit)
	if err != nil {
		return fmt.Errorf("payments for subscription %s: %w", subscriptionID, err)
	}

	if len(list) == 0 {
		fmt.Printf("no payments recorded for subscription %s\n", subscriptionID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tPROVIDER_PAYMENT_ID\tAMOUNT\tCURRENCY\tSTATUS\tSEQ")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.ProviderPaymentID,
			formatAmount(p.AmountCents),
			p.Currency,
			p.Status,
			p.ProviderEventSeq,
		)
	}
	return w.Flush()
}

// formatAmount renders a minor-unit amount as a decimal string. Good enough
// for the two-decimal currencies the product sells in.
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func orPlaceholder(s string) string {
	if s == "" {
		return "(placeholder)"
	}
	return s
}
