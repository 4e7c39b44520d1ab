// audit compares broker positions with the ledger and prints the deltas the
// reconciler would apply, without changing anything.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/config"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
	"github.com/eddiefleurent/ledgerkeeper/internal/reconciler"
	"github.com/eddiefleurent/ledgerkeeper/internal/settings"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
)

// maskAccountID masks all but the last 4 characters of an account ID.
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

// report is the JSON shape of an audit.
type report struct {
	Deltas              []models.PositionDelta `json:"deltas"`
	LedgerKeys          int                    `json:"ledger_keys"`
	BrokerKeys          int                    `json:"broker_keys"`
	IncreasesSuppressed bool                   `json:"increases_suppressed"`
	Errors              int                    `json:"errors"`
	Issues              []string               `json:"issues"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		fmt.Fprintf(os.Stderr, "Using config: %s\n", *configPath)
		fmt.Fprintf(os.Stderr, "Broker: %s (paper: %t)\n", cfg.Broker.Provider, cfg.IsPaperTrading())
		fmt.Fprintf(os.Stderr, "Account ID: %s\n\n", maskAccountID(cfg.Broker.AccountID))
	}

	store, err := storage.NewStorage(cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer func() { _ = store.Close() }()

	tradier := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox, cfg.Broker.BaseURL).
		WithTimeout(cfg.GetBrokerTimeout()).
		WithLogger(logger)
	var feed broker.Broker = tradier
	if cfg.Broker.Provider == "json" {
		feed = broker.Combined{PositionFeed: broker.NewJSONFeed(cfg.Broker.FeedURL, cfg.Broker.FeedToken, logger), QuoteSource: tradier}
	}

	provider, err := settings.NewFileProvider(cfg.SettingsPath, logger)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	rec := reconciler.New(store, feed, feed, notify.Nop{}, provider, reconciler.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	det, err := rec.Detect(ctx)
	if err != nil {
		log.Fatalf("Failed to audit positions: %v", err)
	}

	rep := buildReport(det)
	if *jsonOutput {
		output, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}
	printReport(os.Stdout, rep)
}

func buildReport(det *reconciler.Detection) report {
	rep := report{
		Deltas:              det.Deltas,
		LedgerKeys:          len(det.OpenTrades),
		BrokerKeys:          len(det.Positions),
		IncreasesSuppressed: det.IncreasesSuppressed,
		Errors:              det.Errors,
	}
	if rep.Deltas == nil {
		rep.Deltas = []models.PositionDelta{}
	}
	rep.Issues = analyze(rep)
	return rep
}

// analyze flags conditions worth a manual look before the next cycle.
func analyze(rep report) []string {
	issues := []string{}
	var closed, untracked int
	for _, d := range rep.Deltas {
		switch {
		case d.Action == models.ActionClosed:
			closed++
		case d.Action == models.ActionIncrease && d.IsNew:
			untracked++
		}
	}
	if closed > 0 {
		issues = append(issues, fmt.Sprintf("%d ledger trade(s) no longer held at the broker", closed))
	}
	if untracked > 0 {
		issues = append(issues, fmt.Sprintf("%d broker position(s) missing from the ledger", untracked))
	}
	if rep.IncreasesSuppressed {
		issues = append(issues, "pending orders could not be loaded, increases were not evaluated")
	}
	if rep.Errors > 0 {
		issues = append(issues, fmt.Sprintf("%d position(s) failed to compare, check logs", rep.Errors))
	}
	return issues
}

func printReport(w io.Writer, rep report) {
	fmt.Fprintf(w, "=== POSITION AUDIT ===\n")
	fmt.Fprintf(w, "Ledger keys: %d  Broker keys: %d  Deltas: %d\n\n", rep.LedgerKeys, rep.BrokerKeys, len(rep.Deltas))

	if len(rep.Deltas) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ACTION\tKEY\tTRADE\tLEDGER\tBROKER\tSIDE\tAVG COST")
		for _, d := range rep.Deltas {
			trade := "-"
			if d.TradeID != 0 {
				trade = fmt.Sprintf("#%d", d.TradeID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.4g\t%.4g\t%s\t%.2f\n",
				d.Action, d.FullSymbol, trade, d.DBSize, d.IBSize, d.Direction, d.BrokerAvgCost)
		}
		_ = tw.Flush()
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "=== ANALYSIS ===\n")
	if len(rep.Issues) == 0 {
		fmt.Fprintf(w, "Ledger matches broker.\n")
		return
	}
	fmt.Fprintf(w, "POTENTIAL ISSUES FOUND:\n")
	for i, issue := range rep.Issues {
		fmt.Fprintf(w, "  %d. %s\n", i+1, issue)
	}
}
