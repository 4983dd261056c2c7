package ledger_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"economat/internal/cache"
	"economat/internal/core"
	"economat/internal/ledger"
	"economat/internal/ledger/ledgertest"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestClient_MissingTokenFailsWithoutNetwork(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t, ledger.WithTokenSource(ledger.StaticToken("")))

	_, err := client.FetchBalance(context.Background())

	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ledger.EndpointBalance, authErr.Endpoint)
	assert.Zero(t, srv.Hits(ledgertest.RouteBalance))
}

func TestClient_AnonymousHealthCheck(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t, ledger.WithTokenSource(ledger.StaticToken("")))

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.Equal(t, 1, srv.Hits(ledgertest.RouteHealth))
}

func TestClient_RejectedTokenNotRetried(t *testing.T) {
	srv := ledgertest.New(t)
	sleeps := &sleepRecorder{}
	client := srv.Client(t, ledger.WithTokenSource(ledger.StaticToken("expired")), ledger.WithSleep(sleeps.Sleep))

	_, err := client.FetchDashboard(context.Background())

	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.Equal(t, "Token invalide", authErr.Reason)
	assert.Empty(t, sleeps.Delays())
}

func TestClient_RateLimitRetriedOnceAfterFixedDelay(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		srv := ledgertest.New(t)
		sleeps := &sleepRecorder{}
		client := srv.Client(t, ledger.WithSleep(sleeps.Sleep))
		srv.Fail(ledgertest.RouteBalance, http.StatusTooManyRequests)

		_, err := client.FetchBalance(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 2, srv.Hits(ledgertest.RouteBalance))
		assert.Equal(t, []time.Duration{2 * time.Second}, sleeps.Delays())
	})

	t.Run("second 429 surfaces", func(t *testing.T) {
		srv := ledgertest.New(t)
		client := srv.Client(t)
		srv.Fail(ledgertest.RouteBalance, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests)

		_, err := client.FetchBalance(context.Background())

		var rlErr *core.RateLimitError
		require.ErrorAs(t, err, &rlErr)
		assert.Equal(t, 2, srv.Hits(ledgertest.RouteBalance))
		assert.True(t, client.Available(), "rate limiting does not flip availability")
	})
}

func TestClient_NetworkFailuresExhaustRetries(t *testing.T) {
	srv := ledgertest.New(t)
	sleeps := &sleepRecorder{}
	client := srv.Client(t, ledger.WithSleep(sleeps.Sleep))
	srv.Fail(ledgertest.RouteBalance, 0, 0, 0)

	_, err := client.FetchBalance(context.Background())

	var trErr *core.TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, 3, trErr.Attempts)
	assert.ErrorIs(t, err, core.ErrOffline)
	assert.Equal(t, 3, srv.Hits(ledgertest.RouteBalance))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.Delays())
	assert.False(t, client.Available())

	require.NoError(t, client.Reconnect(context.Background()))
	assert.True(t, client.Available())
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sleeps := &sleepRecorder{}
	client, err := ledger.New(ledger.DefaultConfig(url),
		ledger.WithTokenSource(ledger.StaticToken("t")),
		ledger.WithSleep(sleeps.Sleep))
	require.NoError(t, err)

	_, err = client.ListTransactions(context.Background(), ledger.TransactionFilter{})

	require.ErrorIs(t, err, core.ErrOffline)
	assert.Len(t, sleeps.Delays(), 2)
	assert.False(t, client.Available())
}

func TestClient_GatewayErrorRetried(t *testing.T) {
	srv := ledgertest.New(t)
	sleeps := &sleepRecorder{}
	client := srv.Client(t, ledger.WithSleep(sleeps.Sleep))
	srv.Fail(ledgertest.RouteDashboard, http.StatusServiceUnavailable)

	_, err := client.FetchDashboard(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, sleeps.Delays())
	assert.True(t, client.Available())
}

func TestClient_SuccessClearsOfflineFlag(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t)
	srv.Fail(ledgertest.RouteBalance, 0, 0, 0)

	_, err := client.FetchBalance(context.Background())
	require.Error(t, err)
	require.False(t, client.Available())

	_, err = client.FetchDashboard(context.Background())
	require.NoError(t, err)
	assert.True(t, client.Available())
}

func TestClient_ReadThroughCacheAndInvalidation(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t, ledger.WithCache(cache.NewMemory(100, time.Minute)))
	ctx := context.Background()

	first, err := client.FetchBalance(ctx)
	require.NoError(t, err)
	_, err = client.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Hits(ledgertest.RouteBalance), "second read is served from cache")

	_, err = client.InjectTransaction(ctx, ledger.TransactionInput{
		Type:           core.TypeIncome,
		Amount:         75000,
		Description:    "Frais de scolarité",
		ImpactsCapital: true,
	}, "")
	require.NoError(t, err)

	second, err := client.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Hits(ledgertest.RouteBalance), "mutation invalidates balance")
	assert.Equal(t, first.Amount+75000, second.Amount)
}

func TestClient_DistinctQueriesCachedSeparately(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t, ledger.WithCache(cache.NewMemory(100, time.Minute)))
	ctx := context.Background()

	_, err := client.ListTransactions(ctx, ledger.TransactionFilter{Page: 1})
	require.NoError(t, err)
	_, err = client.ListTransactions(ctx, ledger.TransactionFilter{Page: 2})
	require.NoError(t, err)
	_, err = client.ListTransactions(ctx, ledger.TransactionFilter{Page: 1})
	require.NoError(t, err)

	assert.Equal(t, 2, srv.Hits(ledgertest.RouteTransactions))
}

func TestClient_ConcurrentIdenticalReadsCoalesced(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"balance":"1000","as_of":"2024-06-01T00:00:00Z"}}`))
	}))
	defer srv.Close()

	client, err := ledger.New(ledger.DefaultConfig(srv.URL), ledger.WithTokenSource(ledger.StaticToken("t")))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]core.Money, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := client.FetchBalance(context.Background())
			if err == nil {
				results[i] = b.Amount
			}
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, core.Money(1000), r)
	}
}

func TestClient_InvalidationOutlivesInFlightRead(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t, ledger.WithCache(cache.NewMemory(100, time.Minute)))
	ctx := context.Background()
	srv.AddTransaction(core.Transaction{Type: core.TypeIncome, Amount: 100, Date: time.Now().UTC(), ImpactsCapital: true})

	held, release := srv.Hold(ledgertest.RouteBalance)
	defer release()
	stale := make(chan core.Money, 1)
	go func() {
		b, err := client.FetchBalance(ctx)
		if err != nil {
			stale <- -1
			return
		}
		stale <- b.Amount
	}()
	<-held

	_, err := client.InjectTransaction(ctx, ledger.TransactionInput{
		Type:           core.TypeIncome,
		Amount:         100,
		Description:    "Kermesse",
		ImpactsCapital: true,
	}, "")
	require.NoError(t, err)

	// The held read is still pending: joining it would block past the deadline.
	fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	fresh, err := client.FetchBalance(fctx)
	require.NoError(t, err)
	assert.Equal(t, core.Money(200), fresh.Amount)

	release()
	assert.Equal(t, core.Money(100), <-stale, "the earlier read answers with what it saw")

	cached, err := client.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.Money(200), cached.Amount, "the earlier read must not overwrite the cache")
	assert.Equal(t, 2, srv.Hits(ledgertest.RouteBalance))
}

func TestClient_SharedReadSurvivesFirstCallerCancel(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t)
	srv.AddTransaction(core.Transaction{Type: core.TypeIncome, Amount: 4_200, Date: time.Now().UTC(), ImpactsCapital: true})

	held, release := srv.Hold(ledgertest.RouteBalance)
	defer release()

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.FetchBalance(first)
		firstErr <- err
	}()
	<-held

	type result struct {
		amount core.Money
		err    error
	}
	second := make(chan result, 1)
	go func() {
		b, err := client.FetchBalance(context.Background())
		second <- result{b.Amount, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	release()
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, core.Money(4_200), got.amount)
	assert.Equal(t, 1, srv.Hits(ledgertest.RouteBalance))
}

func TestClient_IdempotencyKeyStableAcrossRetries(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t)
	srv.Fail(ledgertest.RouteInject, http.StatusTooManyRequests)

	_, err := client.InjectTransaction(context.Background(), ledger.TransactionInput{
		Type: core.TypeExpense, Amount: 50000, Description: "Achat fournitures", ImpactsCapital: true,
	}, "")
	require.NoError(t, err)

	keys := srv.IdempotencyKeys(ledgertest.RouteInject)
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.Len(t, srv.Transactions(), 1)
}

func TestClient_LostResponseNotAppliedTwice(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t)
	srv.FailAfterApply(ledgertest.RouteInject, http.StatusBadGateway)

	tx, err := client.InjectTransaction(context.Background(), ledger.TransactionInput{
		Type: core.TypeIncome, Amount: 120000, Description: "Subvention", ImpactsCapital: true,
	}, "")
	require.NoError(t, err)

	stored := srv.Transactions()
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, tx.ID)
}

func TestClient_EnvelopeRequiresExplicitSuccess(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "success false with benign message", body: `{"success":false,"message":"Token invalide"}`},
		{name: "missing success flag", body: `{"data":{"balance":"10"}}`},
		{name: "not json", body: `<html>maintenance</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			client, err := ledger.New(ledger.DefaultConfig(srv.URL), ledger.WithTokenSource(ledger.StaticToken("t")))
			require.NoError(t, err)

			_, err = client.FetchBalance(context.Background())

			var remote *core.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, http.StatusOK, remote.Status)
		})
	}
}

func TestClient_FieldErrorsBecomeValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"message":"invalid","errors":{"montant":["trop élevé"],"description":["requise"]}}`))
	}))
	defer srv.Close()
	client, err := ledger.New(ledger.DefaultConfig(srv.URL), ledger.WithTokenSource(ledger.StaticToken("t")))
	require.NoError(t, err)

	_, err = client.CreateExpense(context.Background(), ledger.ExpenseInput{Description: "x", Amount: 1})

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"description: requise", "montant: trop élevé"}, verr.Messages())
}

func TestClient_NotFound(t *testing.T) {
	srv := ledgertest.New(t)
	client := srv.Client(t)

	_, err := client.GetExpense(context.Background(), "404")

	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestClient_AllTransactionsWalksPages(t *testing.T) {
	srv := ledgertest.New(t)
	for i := 0; i < 5; i++ {
		srv.AddTransaction(core.Transaction{Type: core.TypeIncome, Amount: 100, ImpactsCapital: true, Date: time.Now()})
	}
	client := srv.Client(t)

	txs, err := client.AllTransactions(context.Background(), ledger.TransactionFilter{PerPage: 2})

	require.NoError(t, err)
	assert.Len(t, txs, 5)
	assert.Equal(t, 3, srv.Hits(ledgertest.RouteTransactions))
}

func TestClient_RejectsFractionalAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"balance":"10.5"}}`))
	}))
	defer srv.Close()
	client, err := ledger.New(ledger.DefaultConfig(srv.URL), ledger.WithTokenSource(ledger.StaticToken("t")))
	require.NoError(t, err)

	_, err = client.FetchBalance(context.Background())

	assert.ErrorIs(t, err, core.ErrFractionalAmount)
}
