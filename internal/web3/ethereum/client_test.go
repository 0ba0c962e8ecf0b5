package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"OpenAgent-Launchpad/internal/web3"
)

func TestClientWaitForReceipt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = backend.Close() })
	ec := backend.Client()

	client := NewWithBackend("simulated", ec)
	client.pollInterval = 20 * time.Millisecond

	chainID, err := ec.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	nonce, err := ec.PendingNonceAt(ctx, from)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	head, err := ec.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("latest header: %v", err)
	}
	gasTipCap := big.NewInt(1_000_000_000)
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       21000,
		To:        &recipient,
		Value:     big.NewInt(12345),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if err := ec.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send tx: %v", err)
	}
	backend.Commit()

	receipt, err := client.WaitForReceipt(ctx, signed.Hash().Hex())
	if err != nil {
		t.Fatalf("wait for receipt: %v", err)
	}
	if !receipt.Success || receipt.BlockNumber == 0 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	balance, err := client.NativeBalance(ctx, recipient.Hex())
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	if balance.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("unexpected recipient balance %s", balance)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+chainID.Text(16) {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
}

func TestClientWaitForReceiptHonoursContext(t *testing.T) {
	t.Parallel()

	backend := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })

	client := NewWithBackend("simulated", backend.Client())
	client.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.WaitForReceipt(ctx, "0x"+common.Bytes2Hex(make([]byte, 31))+"01")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// flakyBackend 前几次查询回执返回节点的临时错误，之后返回已上链的回执。
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
	status   uint64
	decimals []byte
}

func (b *flakyBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if call.To == nil || b.decimals == nil {
		return nil, errors.New("execution reverted")
	}
	return b.decimals, nil
}

func (b *flakyBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(137), nil }
func (b *flakyBackend) BlockNumber(context.Context) (uint64, error) { return 1, nil }
func (b *flakyBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (b *flakyBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return nil, errors.New("transaction indexing is in progress")
	}
	return &coretypes.Receipt{Status: b.status, BlockNumber: big.NewInt(42), GasUsed: 21000}, nil
}

func TestClientWaitForReceiptSurvivesTransientErrors(t *testing.T) {
	t.Parallel()

	backend := &flakyBackend{failures: 3, status: coretypes.ReceiptStatusSuccessful}
	client := NewWithBackend("flaky", backend)
	client.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	receipt, err := client.WaitForReceipt(ctx, "0x"+common.Bytes2Hex(make([]byte, 31))+"02")
	if err != nil {
		t.Fatalf("wait for receipt: %v", err)
	}
	if !receipt.Success || receipt.BlockNumber != 42 || backend.calls != 4 {
		t.Fatalf("unexpected receipt %+v after %d calls", receipt, backend.calls)
	}
}

func TestClientWaitForReceiptReportsLastErrorOnTimeout(t *testing.T) {
	t.Parallel()

	backend := &flakyBackend{failures: 1 << 30}
	client := NewWithBackend("flaky", backend)
	client.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.WaitForReceipt(ctx, "0x"+common.Bytes2Hex(make([]byte, 31))+"03")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "transaction indexing is in progress") {
		t.Fatalf("expected last rpc error in message, got %v", err)
	}
}

func TestClientWaitForReceiptReverted(t *testing.T) {
	t.Parallel()

	client := NewWithBackend("flaky", &flakyBackend{status: coretypes.ReceiptStatusFailed})
	client.pollInterval = 5 * time.Millisecond

	receipt, err := client.WaitForReceipt(context.Background(), "0x"+common.Bytes2Hex(make([]byte, 31))+"04")
	if !errors.Is(err, web3.ErrTransactionReverted) || receipt.Success {
		t.Fatalf("expected reverted receipt, got %+v %v", receipt, err)
	}
}

func TestClientTokenDecimals(t *testing.T) {
	t.Parallel()

	token := "0x4444444444444444444444444444444444444444"
	client := NewWithBackend("flaky", &flakyBackend{decimals: common.LeftPadBytes([]byte{9}, 32)})
	decimals, err := client.TokenDecimals(context.Background(), token)
	if err != nil {
		t.Fatalf("token decimals: %v", err)
	}
	if decimals != 9 {
		t.Fatalf("expected 9 decimals, got %d", decimals)
	}

	if _, err := NewWithBackend("flaky", &flakyBackend{}).TokenDecimals(context.Background(), token); err == nil {
		t.Fatalf("expected error for a contract without decimals()")
	}
	if _, err := client.TokenDecimals(context.Background(), "not-an-address"); err == nil {
		t.Fatalf("expected invalid address error")
	}
}
