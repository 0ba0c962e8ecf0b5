package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"OpenAgent-Launchpad/internal/custodial"
	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/portfolio"
	"OpenAgent-Launchpad/internal/scheduler"
	"OpenAgent-Launchpad/internal/status"
	"OpenAgent-Launchpad/internal/storage/mysql"
	"OpenAgent-Launchpad/internal/strategy"
	"OpenAgent-Launchpad/internal/swap"
	"OpenAgent-Launchpad/internal/web3"
)

const (
	ownerAddress  = "0x1111111111111111111111111111111111111111"
	walletAddress = "0x2222222222222222222222222222222222222222"
	usdcAddress   = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
)

type fakeWallets struct {
	err   error
	calls int
	// gate 非空时，第一次调用会阻塞到 gate 关闭，再返回 ctx 的错误（如果有）。
	gate chan struct{}
	mu   sync.Mutex
}

func (f *fakeWallets) CreateWallet(ctx context.Context, _ string) (custodial.Wallet, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.gate = nil
	f.mu.Unlock()

	if gate != nil {
		<-gate
		if ctxErr := ctx.Err(); ctxErr != nil {
			return custodial.Wallet{}, ctxErr
		}
	}
	if err != nil {
		return custodial.Wallet{}, err
	}
	return custodial.Wallet{ID: "wallet-1", Address: walletAddress, ChainType: "ethereum"}, nil
}

func (f *fakeWallets) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBalances struct {
	mu      sync.Mutex
	results []portfolio.BalanceCheck
	calls   int
}

func (f *fakeBalances) CheckBalance(context.Context, string, float64) portfolio.BalanceCheck {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx]
}

type fakeTrader struct {
	mu         sync.Mutex
	priceErr   error
	sendErr    error
	priceCalls int
	walletID   string
	quotes     []swap.Request
	sent       []web3.TransactionRequest
}

func (f *fakeTrader) BindWallet(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.walletID = id
}

func (f *fakeTrader) TokenPrice(_ context.Context, _ string, token string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	if strings.EqualFold(token, "POL") {
		return decimal.RequireFromString("0.5"), nil
	}
	return decimal.NewFromInt(1), nil
}

func (f *fakeTrader) Swap(_ context.Context, req swap.Request) (*swap.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = append(f.quotes, req)
	return &swap.Quote{ID: "q1", TransactionRequest: web3.TransactionRequest{To: "0xrouter", Data: "0xdead", ChainID: 137}}, nil
}

func (f *fakeTrader) SendTransaction(_ context.Context, tx web3.TransactionRequest) (web3.SentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return web3.SentTransaction{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return web3.SentTransaction{Hash: "0xabc", CAIP2: "eip155:137"}, nil
}

func (f *fakeTrader) snapshot() (int, []swap.Request, []web3.TransactionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priceCalls, append([]swap.Request(nil), f.quotes...), append([]web3.TransactionRequest(nil), f.sent...)
}

type fakeRecords struct {
	mu       sync.Mutex
	statuses []string
	trades   []mysql.TradeRecord
}

func (f *fakeRecords) UpdateStatus(_ context.Context, _ string, phase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, phase)
	return nil
}

func (f *fakeRecords) AppendTrade(_ context.Context, trade mysql.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trade)
	return nil
}

type fakeConfirmer struct {
	err error
}

func (f fakeConfirmer) WaitForReceipt(_ context.Context, hash string) (web3.Receipt, error) {
	if f.err != nil {
		return web3.Receipt{Hash: hash}, f.err
	}
	return web3.Receipt{Hash: hash, BlockNumber: 1, Success: true}, nil
}

type fakeInspector struct {
	decimals int32
}

func (f fakeInspector) TokenDecimals(context.Context, string) (int32, error) {
	return f.decimals, nil
}

type harness struct {
	runtime  *Runtime
	clock    *clockwork.FakeClock
	wallets  *fakeWallets
	balances *fakeBalances
	trader   *fakeTrader
	records  *fakeRecords
	sched    *scheduler.Scheduler
}

func newHarness(t *testing.T, immediate bool) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logs, err := status.NewLogBuffer(status.DefaultLogCapacity, filepath.Join(t.TempDir(), "logs.json"),
		status.WithConsole(io.Discard), status.WithLogClock(clock))
	if err != nil {
		t.Fatalf("log buffer: %v", err)
	}
	h := &harness{
		clock:    clock,
		wallets:  &fakeWallets{},
		balances: &fakeBalances{results: []portfolio.BalanceCheck{{Success: true, PolBalance: 1}}},
		trader:   &fakeTrader{},
		records:  &fakeRecords{},
		sched:    scheduler.New(scheduler.WithClock(clock)),
	}
	strat := &strategy.Strategy{
		Name:               "baseline",
		Chain:              "polygon",
		FundingToken:       "POL",
		TargetToken:        "USDC",
		TargetAmount:       0.01,
		FundingThreshold:   0.01,
		Interval:           "20m",
		ExecuteImmediately: &immediate,
	}
	rt, err := New("agent-1", strat, Dependencies{
		Wallets:   h.wallets,
		Balances:  h.balances,
		Trader:    h.trader,
		Scheduler: h.sched,
		Status:    status.NewHolder(clock),
		Logs:      logs,
	}, WithClock(clock), WithRecordStore(h.records))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	h.runtime = rt
	t.Cleanup(rt.Close)
	return h
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitArmed 等待定时交易注册完成且启动流程退出。
func (h *harness) waitArmed(t *testing.T) {
	t.Helper()
	waitUntil(t, "schedule armed", func() bool { return len(h.runtime.Schedules()) == 1 })
	select {
	case <-h.runtime.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("startup flow did not finish")
	}
}

func (h *harness) phase() status.Phase {
	return h.runtime.Status().Phase
}

func TestFailingCycleKeepsSchedule(t *testing.T) {
	h := newHarness(t, false)
	h.trader.priceErr = errors.New("price feed unavailable")

	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitArmed(t)

	h.clock.Advance(20 * time.Minute)
	waitUntil(t, "first failed cycle", func() bool {
		calls, _, _ := h.trader.snapshot()
		st := h.runtime.Status()
		return calls == 1 && st.Phase == status.PhaseError
	})
	st := h.runtime.Status()
	if st.Error == nil || !strings.Contains(*st.Error, "price feed unavailable") {
		t.Fatalf("expected price error in status, got %+v", st.Error)
	}

	h.clock.Advance(20 * time.Minute)
	waitUntil(t, "second cycle", func() bool {
		calls, _, _ := h.trader.snapshot()
		return calls == 2
	})
	if len(h.runtime.Schedules()) != 1 {
		t.Fatalf("schedule should remain active after failures")
	}
}

func TestRuntimePollsBalanceThenTrades(t *testing.T) {
	h := newHarness(t, true)
	h.balances.results = []portfolio.BalanceCheck{
		{Success: false, PolBalance: 0.001, Message: "insufficient funds"},
		{Success: true, PolBalance: 0.5},
	}

	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, "first balance check", func() bool {
		st := h.runtime.Status()
		return st.Phase == status.PhaseCheckingBalance && st.PolBalance == 0.001
	})
	st := h.runtime.Status()
	if st.WalletAddress == nil || *st.WalletAddress != walletAddress {
		t.Fatalf("wallet address not set: %+v", st.WalletAddress)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("poll wait not armed: %v", err)
	}
	h.clock.Advance(30 * time.Second)

	waitUntil(t, "first trade", func() bool {
		st := h.runtime.Status()
		return len(st.Trades) == 1 && st.Phase == status.PhaseMonitoring
	})
	_, quotes, sent := h.trader.snapshot()
	if len(quotes) != 1 || len(sent) != 1 {
		t.Fatalf("expected one quote and one transaction, got %d/%d", len(quotes), len(sent))
	}
	if quotes[0].FromAddress != walletAddress || !quotes[0].FromAmount.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("unexpected swap request %+v", quotes[0])
	}
	if h.trader.walletID != "wallet-1" {
		t.Fatalf("trader should be bound to the wallet")
	}
	final := h.runtime.Status()
	if final.Trades[0].Hash != "0xabc" || final.Trades[0].Type != TradeTypeBuy || final.Error != nil {
		t.Fatalf("unexpected trade state %+v", final)
	}

	h.records.mu.Lock()
	defer h.records.mu.Unlock()
	if len(h.records.trades) != 1 || h.records.trades[0].TxHash != "0xabc" {
		t.Fatalf("trade not recorded: %+v", h.records.trades)
	}

	var sawTransition bool
	for _, entry := range h.runtime.Logs() {
		if strings.HasPrefix(entry.Message, "[trade_completed]") && entry.Level == status.LevelSuccess {
			sawTransition = true
		}
	}
	if !sawTransition {
		t.Fatalf("expected a success log line for the completed trade")
	}
}

func TestBroadcastTradeIsRecordedWhenConfirmationFails(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		suffix string
	}{
		{"reverted", fmt.Errorf("tx 0xabc: %w", web3.ErrTransactionReverted), "(reverted on-chain)"},
		{"unconfirmed", fmt.Errorf("wait: %w", context.DeadlineExceeded), "(unconfirmed)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.runtime.confirmer = fakeConfirmer{err: tc.err}

			if err := h.runtime.Start(ownerAddress); err != nil {
				t.Fatalf("start: %v", err)
			}
			waitUntil(t, "failed confirmation", func() bool {
				st := h.runtime.Status()
				return len(st.Trades) == 1 && st.Phase == status.PhaseError
			})
			st := h.runtime.Status()
			trade := st.Trades[0]
			if trade.Hash != "0xabc" || !strings.HasSuffix(trade.Details, tc.suffix) {
				t.Fatalf("unexpected trade %+v", trade)
			}
			if st.Error == nil {
				t.Fatalf("expected confirmation error in status")
			}

			h.records.mu.Lock()
			defer h.records.mu.Unlock()
			if len(h.records.trades) != 1 || h.records.trades[0].TxHash != "0xabc" {
				t.Fatalf("broadcast trade not recorded: %+v", h.records.trades)
			}
		})
	}
}

func TestWalletFailureParksRuntime(t *testing.T) {
	h := newHarness(t, true)
	h.wallets.err = xerrors.New(xerrors.CodeWalletCreation, "privy unavailable")

	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-h.runtime.Done()

	st := h.runtime.Status()
	if st.Phase != status.PhaseError || st.IsRunning || st.Error == nil {
		t.Fatalf("expected parked error state, got %+v", st)
	}
	if h.runtime.Running() {
		t.Fatalf("runtime should allow a retry after setup failure")
	}
	h.balances.mu.Lock()
	calls := h.balances.calls
	h.balances.mu.Unlock()
	if calls != 0 {
		t.Fatalf("balance must not be checked without a wallet")
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	h := newHarness(t, false)
	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := h.runtime.Start(ownerAddress)
	if !xerrors.HasCode(err, xerrors.CodeAlreadyRunning) {
		t.Fatalf("expected already running error, got %v", err)
	}
	if err := h.runtime.Start("not-an-address"); err == nil {
		t.Fatalf("expected invalid owner error")
	}
}

func TestStopCancelsSchedule(t *testing.T) {
	h := newHarness(t, false)
	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitArmed(t)

	if !h.runtime.Stop() {
		t.Fatalf("expected stop to succeed")
	}
	if len(h.runtime.Schedules()) != 0 {
		t.Fatalf("expected no active schedules")
	}
	st := h.runtime.Status()
	if st.Phase != status.PhaseWaiting || st.IsRunning {
		t.Fatalf("unexpected status after stop %+v", st)
	}
	if h.runtime.Stop() {
		t.Fatalf("second stop should be a no-op")
	}
}

func TestStaleSetupDoesNotDisturbRestartedRuntime(t *testing.T) {
	h := newHarness(t, false)
	gate := make(chan struct{})
	h.wallets.gate = gate

	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("first start: %v", err)
	}
	firstDone := h.runtime.Done()
	waitUntil(t, "first wallet call", func() bool { return h.wallets.callCount() == 1 })
	if !h.runtime.Stop() {
		t.Fatalf("expected stop to succeed while setup is in flight")
	}
	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("second start: %v", err)
	}
	h.waitArmed(t)

	// 放行第一次启动遗留的钱包调用，它会以 context canceled 结束。
	close(gate)
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("stale setup flow did not finish")
	}

	if !h.runtime.Running() {
		t.Fatalf("stale setup must not mark the restarted runtime as stopped")
	}
	st := h.runtime.Status()
	if st.Phase != status.PhaseMonitoring || st.Error != nil && *st.Error != "" {
		t.Fatalf("stale setup must not park the runtime, got phase=%s error=%v", st.Phase, st.Error)
	}
	if err := h.runtime.Start(ownerAddress); !xerrors.HasCode(err, xerrors.CodeAlreadyRunning) {
		t.Fatalf("expected already running error, got %v", err)
	}
	if n := len(h.runtime.Schedules()); n != 1 {
		t.Fatalf("expected exactly one schedule, got %d", n)
	}
	if !h.runtime.Stop() || len(h.runtime.Schedules()) != 0 {
		t.Fatalf("stop should cancel the only schedule")
	}
}

func TestWithdrawBuildsTransferByTokenKind(t *testing.T) {
	h := newHarness(t, false)
	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitArmed(t)

	ctx := context.Background()
	if _, err := h.runtime.WithdrawToOwner(ctx, "0x0000000000000000000000000000000000000000", "0.5"); err != nil {
		t.Fatalf("native withdraw: %v", err)
	}
	if _, err := h.runtime.WithdrawToOwner(ctx, usdcAddress, "1.5"); err != nil {
		t.Fatalf("token withdraw: %v", err)
	}

	_, _, sent := h.trader.snapshot()
	if len(sent) != 2 {
		t.Fatalf("expected two transactions, got %d", len(sent))
	}
	native, token := sent[0], sent[1]
	if native.Data != "" || native.Value != "0x6f05b59d3b20000" || !strings.EqualFold(native.To, ownerAddress) {
		t.Fatalf("unexpected native transfer %+v", native)
	}
	if native.From != walletAddress || native.ChainID != 137 {
		t.Fatalf("native transfer should come from the agent wallet on polygon: %+v", native)
	}
	if token.Data == "" || !strings.HasPrefix(token.Data, "0xa9059cbb") || !strings.EqualFold(token.To, usdcAddress) {
		t.Fatalf("unexpected token transfer %+v", token)
	}

	st := h.runtime.Status()
	if st.Phase != status.PhaseWithdrawalComplete || len(st.Trades) != 2 || st.Trades[1].Type != TradeTypeWithdrawal {
		t.Fatalf("unexpected status after withdrawals %+v", st)
	}
}

func TestWithdrawTokenOutsideTable(t *testing.T) {
	h := newHarness(t, false)
	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitArmed(t)

	unknown := "0x4444444444444444444444444444444444444444"
	if _, err := h.runtime.WithdrawToOwner(context.Background(), unknown, "2"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected unsupported token without an inspector, got %v", err)
	}

	h.runtime.inspector = fakeInspector{decimals: 9}
	if _, err := h.runtime.WithdrawToOwner(context.Background(), unknown, "2"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	_, _, sent := h.trader.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(sent))
	}
	tx := sent[0]
	// 2 个 9 位精度的代币 = 2000000000 = 0x77359400。
	if !strings.EqualFold(tx.To, unknown) || !strings.HasPrefix(tx.Data, "0xa9059cbb") || !strings.HasSuffix(tx.Data, "77359400") {
		t.Fatalf("unexpected token transfer %+v", tx)
	}
}

func TestWithdrawErrors(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.runtime.WithdrawToOwner(context.Background(), "", "1"); !xerrors.HasCode(err, xerrors.CodeWithdrawal) {
		t.Fatalf("expected withdrawal error before start, got %v", err)
	}

	if err := h.runtime.Start(ownerAddress); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitArmed(t)

	if _, err := h.runtime.WithdrawToOwner(context.Background(), "", "-1"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid amount error, got %v", err)
	}

	h.trader.mu.Lock()
	h.trader.sendErr = errors.New("signer offline")
	h.trader.mu.Unlock()
	_, err := h.runtime.WithdrawToOwner(context.Background(), "", "1")
	if !xerrors.HasCode(err, xerrors.CodeWithdrawal) || !strings.Contains(err.Error(), "signer offline") {
		t.Fatalf("expected wrapped signer error, got %v", err)
	}
	if h.phase() != status.PhaseError {
		t.Fatalf("expected error phase after failed withdrawal")
	}
}

func TestFundingAmount(t *testing.T) {
	got, err := FundingAmount(decimal.RequireFromString("0.01"), decimal.RequireFromString("0.5"), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("funding amount: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("expected 0.02, got %s", got)
	}
	if _, err := FundingAmount(decimal.NewFromInt(1), decimal.Zero, decimal.NewFromInt(1)); err == nil {
		t.Fatalf("expected error for zero price")
	}
}
