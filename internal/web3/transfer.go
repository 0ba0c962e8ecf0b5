package web3

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const erc20ABIJSON = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

// ERC20ABI is the minimal token interface used for withdrawals.
var ERC20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}

// NativeTransfer builds a plain value transfer. The request carries no call data.
func NativeTransfer(chainID int64, to string, amount *big.Int) (TransactionRequest, error) {
	recipient, err := parseAddress(to)
	if err != nil {
		return TransactionRequest{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return TransactionRequest{}, fmt.Errorf("转账金额必须大于 0")
	}
	return TransactionRequest{
		To:      recipient.Hex(),
		Value:   hexutil.EncodeBig(amount),
		ChainID: chainID,
	}, nil
}

// TokenTransfer builds an ERC-20 transfer(to, amount) call against token.
func TokenTransfer(chainID int64, token, to string, amount *big.Int) (TransactionRequest, error) {
	contract, err := parseAddress(token)
	if err != nil {
		return TransactionRequest{}, err
	}
	recipient, err := parseAddress(to)
	if err != nil {
		return TransactionRequest{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return TransactionRequest{}, fmt.Errorf("转账金额必须大于 0")
	}
	data, err := ERC20ABI.Pack("transfer", recipient, amount)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("编码 transfer 调用失败: %w", err)
	}
	return TransactionRequest{
		To:      contract.Hex(),
		Data:    hexutil.Encode(data),
		Value:   "0x0",
		ChainID: chainID,
	}, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("非法的地址: %q", raw)
	}
	return common.HexToAddress(raw), nil
}
