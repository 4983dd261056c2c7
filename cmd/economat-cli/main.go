package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"economat/internal/audit"
	"economat/internal/bulk"
	"economat/internal/cli"
	"economat/internal/core"
	"economat/internal/events"
	"economat/internal/injection"
	"economat/internal/ledger"
	applog "economat/internal/log"
	"economat/internal/storage"
)

const usage = `usage: economat-cli <command> [flags] [ids...]

commands:
  dashboard   print the capital snapshot, health score and alerts
  validate    approve or reject pending expenses in bulk
  delete      delete expenses in bulk
  inject      record a manual income or expense transaction
  journal     list recorded decisions
  events      print decision events as they are consumed
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cli.LoadEnvFile()
	logger := cli.SetupLogger(nil)
	cfg := cli.LoadAndValidateConfig(logger)
	logger = cli.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cli.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize engine", applog.FieldError, err)
		os.Exit(1)
	}
	defer app.Close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "dashboard":
		err = runDashboard(ctx, app, args)
	case "validate":
		err = runValidate(ctx, app, args)
	case "delete":
		err = runDelete(ctx, app, args)
	case "inject":
		err = runInject(ctx, app, args)
	case "journal":
		err = runJournal(ctx, app, args)
	case "events":
		err = runEvents(ctx, app, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		app.Close()
		os.Exit(2)
	}
	if err != nil {
		var partial *core.PartialBatchFailure
		if errors.As(err, &partial) {
			logger.Warn("Batch partially failed", "succeeded", len(partial.Succeeded), "failed", len(partial.Failed))
		} else {
			logger.Error("Command failed", "command", cmd, applog.FieldError, err)
		}
		app.Close()
		os.Exit(1)
	}
}

// actorFlags registers the identity flags every mutating command takes.
func actorFlags(fs *flag.FlagSet) *core.Actor {
	a := &core.Actor{}
	fs.StringVar(&a.UserID, "user", os.Getenv("ECONOMAT_USER"), "acting user id")
	fs.Func("role", "acting role (admin, director, accountant, staff, teacher)", func(s string) error {
		a.Role = core.Role(strings.ToLower(strings.TrimSpace(s)))
		return nil
	})
	return a
}

func runDashboard(ctx context.Context, app *cli.App, args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	_ = fs.Parse(args)

	d, err := app.Capital.Dashboard(ctx, time.Now())
	if err != nil {
		return err
	}

	s := d.Snapshot
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Balance\t%s\n", s.Balance)
	fmt.Fprintf(w, "Total income\t%s\n", s.TotalIncome)
	fmt.Fprintf(w, "Total expenses\t%s\n", s.TotalExpenses)
	fmt.Fprintf(w, "Monthly flow\t%s\t(%s %.1f%%)\n", s.MonthlyFlow, s.FlowTrend.Direction, s.FlowTrend.ChangePct)
	fmt.Fprintf(w, "Monthly income\t%s\t(%s %.1f%%)\n", s.MonthlyIncome, s.IncomeTrend.Direction, s.IncomeTrend.ChangePct)
	fmt.Fprintf(w, "Monthly spend\t%s\t(%s %.1f%%)\n", s.MonthlySpend, s.ExpenseTrend.Direction, s.ExpenseTrend.ChangePct)
	fmt.Fprintf(w, "Health score\t%d\t%s\n", s.Score, s.Level)
	fmt.Fprintf(w, "Transactions\t%d\n", d.Transactions)
	if d.PendingExpenses >= 0 {
		fmt.Fprintf(w, "Pending expenses\t%d\n", d.PendingExpenses)
	}
	if d.RemoteBalance != nil && d.Drift != 0 {
		fmt.Fprintf(w, "Server balance\t%s\t(drift %s)\n", *d.RemoteBalance, d.Drift)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, a := range d.Alerts {
		fmt.Printf("[%s] %s: %s\n", a.Severity, a.Message, a.Action)
	}
	return nil
}

func runValidate(ctx context.Context, app *cli.App, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	actor := actorFlags(fs)
	action := fs.String("action", string(ledger.ActionApprove), "approve or reject")
	note := fs.String("note", "", "validation note")
	_ = fs.Parse(args)

	res, err := app.Bulk.Validate(ctx, *actor, fs.Args(), ledger.BulkAction(strings.ToLower(*action)), *note)
	printResult(res)
	if err != nil {
		return err
	}
	return res.Err()
}

func runDelete(ctx context.Context, app *cli.App, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	actor := actorFlags(fs)
	_ = fs.Parse(args)

	res, err := app.Bulk.Delete(ctx, *actor, fs.Args())
	printResult(res)
	if err != nil {
		return err
	}
	return res.Err()
}

func printResult(res bulk.Result) {
	for _, id := range res.Succeeded {
		fmt.Printf("ok      %s\n", id)
	}
	for _, f := range res.Failed {
		fmt.Printf("failed  %s  %s\n", f.ID, f.Reason)
	}
	for _, f := range res.Skipped {
		fmt.Printf("skipped %s  %s\n", f.ID, f.Reason)
	}
}

func runInject(ctx context.Context, app *cli.App, args []string) error {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	actor := actorFlags(fs)
	var (
		req       injection.Request
		amount    string
		date      string
		noCapital bool
	)
	fs.StringVar(&req.Type, "type", "", "INCOME or EXPENSE")
	fs.StringVar(&amount, "amount", "", "amount in whole currency units")
	fs.StringVar(&req.Description, "description", "", "description (at least 5 characters)")
	fs.StringVar(&req.Category, "category", "", "category name")
	fs.StringVar(&req.Entity, "entity", "", "counterparty")
	fs.StringVar(&req.PaymentMethod, "payment-method", "", "payment method")
	fs.StringVar(&date, "date", "", "transaction date (YYYY-MM-DD, default today)")
	fs.StringVar(&req.IdempotencyKey, "key", "", "idempotency key to resubmit the same entry")
	fs.BoolVar(&noCapital, "no-capital", false, "record without impacting capital")
	_ = fs.Parse(args)

	m, err := core.ParseMoney(amount)
	if err != nil {
		return fmt.Errorf("amount %q: %w", amount, err)
	}
	req.Amount = m
	if date != "" {
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			return fmt.Errorf("date %q: %w", date, err)
		}
		req.Date = d
	}
	if noCapital {
		impacts := false
		req.ImpactsCapital = &impacts
	}

	tx, err := app.Injection.Inject(ctx, *actor, req)
	if err != nil {
		return err
	}
	fmt.Printf("recorded %s %s %s on %s\n", tx.ID, tx.Type, tx.Amount, tx.Date.Format("2006-01-02"))
	return nil
}

func runJournal(ctx context.Context, app *cli.App, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	var (
		f      storage.Filter
		action string
		since  string
		prune  string
	)
	fs.StringVar(&action, "action", "", "filter by action (APPROVE, REJECT, DELETE, INJECT, ...)")
	fs.StringVar(&f.ActorID, "actor", "", "filter by actor id")
	fs.StringVar(&f.ItemID, "item", "", "filter by target id")
	fs.StringVar(&since, "since", "", "only decisions newer than this duration, e.g. 72h")
	fs.IntVar(&f.Limit, "limit", storage.DefaultListLimit, "maximum decisions to print")
	fs.StringVar(&prune, "prune", "", "delete decisions older than this duration instead of listing")
	_ = fs.Parse(args)

	f.Action = audit.Action(strings.ToUpper(action))

	if app.Journal == nil {
		return errors.New("decision journal disabled: set JOURNAL_DB_PATH")
	}

	if prune != "" {
		age, err := time.ParseDuration(prune)
		if err != nil {
			return fmt.Errorf("prune %q: %w", prune, err)
		}
		n, err := app.Journal.Prune(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d decision(s)\n", n)
		return nil
	}

	if since != "" {
		age, err := time.ParseDuration(since)
		if err != nil {
			return fmt.Errorf("since %q: %w", since, err)
		}
		f.Since = time.Now().Add(-age)
	}

	decisions, err := app.Journal.List(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tACTION\tACTOR\tROLE\tOK\tFAILED\tSKIPPED\tAMOUNT")
	for _, d := range decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			d.At.Local().Format("2006-01-02 15:04"), d.Action, d.ActorID, d.Role,
			len(d.Succeeded), len(d.Failed), len(d.Skipped), d.Amount)
	}
	return w.Flush()
}

func runEvents(ctx context.Context, app *cli.App, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	_ = fs.Parse(args)

	if app.Publisher == nil {
		return errors.New("event publishing disabled: set AMQP_URL")
	}
	err := app.Publisher.Consume(ctx, func(e *events.DecisionEvent) error {
		fmt.Printf("%s %s by %s (%s): %d ok, %d failed, %d skipped\n",
			e.Timestamp.Local().Format(time.RFC3339), e.Action, e.ActorID, e.Role,
			len(e.Succeeded), len(e.Failed), len(e.Skipped))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
