// Package capital builds the capital dashboard from ledger transactions.
package capital

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"economat/internal/core"
	"economat/internal/finance"
	"economat/internal/ledger"
	applog "economat/internal/log"
)

// Ledger is the part of the ledger client the dashboard reads.
type Ledger interface {
	AllTransactions(ctx context.Context, f ledger.TransactionFilter) ([]core.Transaction, error)
	FetchDashboard(ctx context.Context) (ledger.RemoteDashboard, error)
}

// Dashboard is the derived capital view returned to front ends.
type Dashboard struct {
	finance.Report
	// PendingExpenses comes from the server aggregate; -1 when it was unavailable.
	PendingExpenses int
	// RemoteBalance is the balance the server reports, when available.
	RemoteBalance *core.Money
	// Drift is RemoteBalance minus the locally aggregated balance.
	Drift core.Money
	// Transactions is the number of ledger lines aggregated.
	Transactions int
}

// Service computes dashboards. It holds no state between calls.
type Service struct {
	ledger Ledger
	logger *applog.Logger
}

func NewService(l Ledger, logger *applog.Logger) *Service {
	if logger == nil {
		logger = applog.Discard()
	}
	return &Service{ledger: l, logger: logger.WithComponent(applog.ComponentCapital)}
}

// Dashboard fetches every transaction and the server aggregate concurrently,
// then scores the snapshot. Only the transaction fetch is required; a failed
// server aggregate leaves PendingExpenses at -1 and RemoteBalance nil.
func (s *Service) Dashboard(ctx context.Context, now time.Time) (Dashboard, error) {
	var (
		txs       []core.Transaction
		remote    ledger.RemoteDashboard
		remoteErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		txs, err = s.ledger.AllTransactions(gctx, ledger.TransactionFilter{})
		if err != nil {
			return fmt.Errorf("fetch transactions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		remote, remoteErr = s.ledger.FetchDashboard(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}

	d := Dashboard{
		Report:          finance.Evaluate(txs, now),
		PendingExpenses: -1,
		Transactions:    len(txs),
	}
	if remoteErr != nil {
		s.logger.WarnContext(ctx, "Server aggregate unavailable, dashboard built from transactions only",
			applog.FieldError, remoteErr)
	} else {
		d.PendingExpenses = remote.PendingExpenses
		bal := remote.Balance
		d.RemoteBalance = &bal
		d.Drift = remote.Balance - d.Snapshot.Balance
		if d.Drift != 0 {
			s.logger.WarnContext(ctx, "Server balance differs from aggregated transactions",
				"remote_balance", int64(remote.Balance),
				"local_balance", int64(d.Snapshot.Balance),
				"drift", int64(d.Drift))
		}
	}

	s.logger.InfoContext(ctx, "Capital dashboard computed",
		"score", d.Snapshot.Score,
		"level", string(d.Snapshot.Level),
		"alerts", len(d.Alerts),
		"transactions", d.Transactions)
	return d, nil
}
