package portfolio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenAgent-Launchpad/internal/errors"
)

func newTestService(t *testing.T, url string) *Service {
	t.Helper()
	svc, err := NewService(Config{
		BaseURL:   url,
		APIKey:    "key",
		Chain:     "polygon",
		BaseDelay: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func writeBalances(w http.ResponseWriter, balances ...map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"balances": balances})
}

func TestGetBalancesNormalizesNative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/wallets/0xABC/balances" || r.URL.Query().Get("chain") != "polygon" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("x-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		writeBalances(w,
			map[string]any{"chain": "polygon", "token_address": "0x0000000000000000000000000000000000000000", "decimals": 18, "raw_balance": "12340000000000000"},
			map[string]any{"chain": "polygon", "token_address": "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", "symbol": "USDC", "decimals": 6, "raw_balance": "0"},
			map[string]any{"chain": "polygon", "token_address": "0x9999999999999999999999999999999999999999", "symbol": "SCAM", "decimals": 18, "raw_balance": "100"},
			map[string]any{"chain": "ethereum", "token_address": "0x0000000000000000000000000000000000000000", "symbol": "ETH", "decimals": 18, "raw_balance": "100"},
		)
	}))
	defer srv.Close()

	balances, err := newTestService(t, srv.URL).GetBalances(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("expected only the native balance, got %+v", balances)
	}
	got := balances[0]
	if got.Balance != "0.01234" || got.Type != TypeNative || got.Symbol != "POL" {
		t.Fatalf("unexpected balance %+v", got)
	}
	if got.DenominatedBalance != "12340000000000000" || got.Decimals != 18 {
		t.Fatalf("unexpected raw fields %+v", got)
	}
}

func TestGetBalancesRequiresWallet(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1")
	_, err := svc.GetBalances(context.Background(), " ")
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGetBalancesRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writeBalances(w, map[string]any{"chain": "polygon", "token_address": "0x0000000000000000000000000000000000001010", "decimals": 18, "raw_balance": "1000000000000000000"})
	}))
	defer srv.Close()

	balances, _ := newTestService(t, srv.URL).GetBalances(context.Background(), "0xABC")
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(balances) != 1 || balances[0].Balance != "1" {
		t.Fatalf("unexpected balances %+v", balances)
	}
}

func TestGetBalancesDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	balances, err := newTestService(t, srv.URL).GetBalances(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("upstream failures must not propagate: %v", err)
	}
	if len(balances) != 0 {
		t.Fatalf("expected empty result, got %+v", balances)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
}

func TestCheckBalance(t *testing.T) {
	var raw atomic.Value
	raw.Store("12340000000000000")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeBalances(w, map[string]any{"chain": "polygon", "token_address": "0x0000000000000000000000000000000000000000", "symbol": "POL", "decimals": 18, "raw_balance": raw.Load().(string)})
	}))
	defer srv.Close()
	svc := newTestService(t, srv.URL)

	check := svc.CheckBalance(context.Background(), "0xABC", 0.01)
	if !check.Success || check.PolBalance != 0.01234 {
		t.Fatalf("expected funded result, got %+v", check)
	}

	raw.Store("5000000000000000")
	check = svc.CheckBalance(context.Background(), "0xABC", 0.01)
	if check.Success || check.PolBalance != 0.005 {
		t.Fatalf("expected unfunded result, got %+v", check)
	}
}

func TestCheckBalanceEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	check := newTestService(t, srv.URL).CheckBalance(context.Background(), "0xABC", 0.01)
	if check.Success || check.PolBalance != 0 || check.Message == "" {
		t.Fatalf("unexpected result for empty balances %+v", check)
	}
}
