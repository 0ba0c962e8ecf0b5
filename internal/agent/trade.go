package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/status"
	"OpenAgent-Launchpad/internal/swap"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/internal/web3"
	"OpenAgent-Launchpad/pkg/logger"
)

const (
	TradeTypeBuy        = "buy"
	TradeTypeWithdrawal = "withdrawal"
)

// tradeCycle 执行一次定时交易。返回的错误已经写入状态，调度器只负责记录。
func (r *Runtime) tradeCycle(ctx context.Context) (err error) {
	start := r.clock.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			r.update(status.Patch{
				Phase:       status.Ptr(status.PhaseError),
				Error:       status.Ptr(err.Error()),
				LastMessage: status.Ptr("Trade cycle failed; retrying at the next scheduled run"),
			})
		}
		r.metrics.ObserveTradeCycle(outcome, r.clock.Since(start))
	}()

	s := r.strategy
	wallet := r.currentWallet()
	if wallet.ID == "" {
		return errors.New("wallet is not initialized")
	}

	// 获取资金代币与目标代币的价格。
	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseAnalyzingMarket),
		LastMessage: status.Ptr(fmt.Sprintf("Fetching %s and %s prices", s.FundingToken, s.TargetToken)),
	})
	fundingPrice, err := r.deps.Trader.TokenPrice(ctx, s.Chain, s.FundingToken)
	if err != nil {
		return fmt.Errorf("fetch %s price: %w", s.FundingToken, err)
	}
	targetPrice, err := r.deps.Trader.TokenPrice(ctx, s.Chain, s.TargetToken)
	if err != nil {
		return fmt.Errorf("fetch %s price: %w", s.TargetToken, err)
	}

	// 计算买入固定数量目标代币所需的资金代币数量。
	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseCalculatingStrategy),
		LastMessage: status.Ptr(fmt.Sprintf("%s at $%s, %s at $%s", s.FundingToken, fundingPrice, s.TargetToken, targetPrice)),
	})
	amount, err := FundingAmount(decimal.NewFromFloat(s.TargetAmount), fundingPrice, targetPrice)
	if err != nil {
		return err
	}

	// 请求报价并提交交易。
	r.update(status.Patch{
		Phase: status.Ptr(status.PhaseExecutingTrade),
		LastMessage: status.Ptr(fmt.Sprintf("Swapping %s %s for %s %s",
			amount, s.FundingToken, formatAmount(s.TargetAmount), s.TargetToken)),
	})
	quote, err := r.deps.Trader.Swap(ctx, swap.Request{
		FromToken:   s.FundingToken,
		ToToken:     s.TargetToken,
		FromAddress: wallet.Address,
		FromAmount:  amount,
		FromChain:   s.Chain,
		ToChain:     s.Chain,
	})
	if err != nil {
		return err
	}
	sent, err := r.deps.Trader.SendTransaction(ctx, quote.TransactionRequest)
	if err != nil {
		return err
	}

	// 交易已经广播，无论能否确认都要留下记录。
	trade := status.Trade{
		Timestamp: r.clock.Now(),
		Type:      TradeTypeBuy,
		Details:   fmt.Sprintf("Bought %s %s with %s %s", formatAmount(s.TargetAmount), s.TargetToken, amount, s.FundingToken),
		Hash:      sent.Hash,
	}
	if err := r.confirm(ctx, sent.Hash); err != nil {
		if errors.Is(err, web3.ErrTransactionReverted) {
			trade.Details += " (reverted on-chain)"
		} else {
			trade.Details += " (unconfirmed)"
		}
		r.update(status.Patch{AppendTrades: []status.Trade{trade}})
		r.recordTrade(trade)
		return err
	}

	r.update(status.Patch{
		Phase:        status.Ptr(status.PhaseTradeCompleted),
		AppendTrades: []status.Trade{trade},
		Error:        status.Ptr(""),
		LastMessage:  status.Ptr(fmt.Sprintf("Trade submitted: %s", sent.Hash)),
	})
	r.recordTrade(trade)
	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseMonitoring),
		LastMessage: status.Ptr(r.scheduleDescription()),
	})
	return nil
}

// FundingAmount 计算买入 targetAmount 个目标代币需要的资金代币数量。
func FundingAmount(targetAmount, fundingPrice, targetPrice decimal.Decimal) (decimal.Decimal, error) {
	if fundingPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("invalid funding token price %s", fundingPrice)
	}
	if targetPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("invalid target token price %s", targetPrice)
	}
	return targetAmount.Mul(targetPrice).Div(fundingPrice).Round(tokens.MaxFractionDigits), nil
}

func (r *Runtime) confirm(ctx context.Context, hash string) error {
	if r.confirmer == nil || hash == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()
	receipt, err := r.confirmer.WaitForReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("confirm transaction %s: %w", hash, err)
	}
	r.log.Info("交易已确认",
		slog.String("hash", hash),
		slog.Uint64("block", receipt.BlockNumber),
		slog.Uint64("gas_used", receipt.GasUsed))
	return nil
}

// WithdrawToOwner 把资金转回所有者地址。tokenAddress 为空或为原生币哨兵地址时执行原生币转账，
// 否则构造 ERC-20 transfer 调用。失败直接返回给调用方。
func (r *Runtime) WithdrawToOwner(ctx context.Context, tokenAddress, amount string) (web3.SentTransaction, error) {
	r.mu.Lock()
	wallet, owner := r.wallet, r.owner
	r.mu.Unlock()
	if wallet.ID == "" || owner == "" {
		return web3.SentTransaction{}, xerrors.New(xerrors.CodeWithdrawal, "wallet is not initialized; start the agent first")
	}

	req, token, value, err := r.buildWithdrawal(ctx, tokenAddress, amount, owner)
	if err != nil {
		return web3.SentTransaction{}, err
	}
	req.From = wallet.Address

	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseWithdrawing),
		LastMessage: status.Ptr(fmt.Sprintf("Withdrawing %s %s to %s", value, token.Symbol, owner)),
	})
	sent, err := r.deps.Trader.SendTransaction(ctx, req)
	if err != nil {
		r.metrics.ObserveWithdrawal("failure")
		r.update(status.Patch{
			Phase:       status.Ptr(status.PhaseError),
			Error:       status.Ptr(err.Error()),
			LastMessage: status.Ptr("Withdrawal failed"),
		})
		logger.Audit().Warn("withdrawal_failed",
			slog.String("agent_id", r.agentID),
			slog.String("token", token.Symbol),
			slog.String("amount", value.String()),
			slog.String("error", err.Error()))
		return web3.SentTransaction{}, xerrors.Wrap(xerrors.CodeWithdrawal, err, "withdrawal failed")
	}

	trade := status.Trade{
		Timestamp: r.clock.Now(),
		Type:      TradeTypeWithdrawal,
		Details:   fmt.Sprintf("Withdrew %s %s to %s", value, token.Symbol, owner),
		Hash:      sent.Hash,
	}
	r.update(status.Patch{
		Phase:        status.Ptr(status.PhaseWithdrawalComplete),
		AppendTrades: []status.Trade{trade},
		Error:        status.Ptr(""),
		LastMessage:  status.Ptr(fmt.Sprintf("Withdrawal submitted: %s", sent.Hash)),
	})
	r.recordTrade(trade)
	r.metrics.ObserveWithdrawal("success")
	logger.Audit().Info("withdrawal_submitted",
		slog.String("agent_id", r.agentID),
		slog.String("token", token.Symbol),
		slog.String("amount", value.String()),
		slog.String("owner", owner),
		slog.String("hash", sent.Hash))
	return sent, nil
}

func (r *Runtime) buildWithdrawal(ctx context.Context, tokenAddress, amount, owner string) (web3.TransactionRequest, tokens.Token, decimal.Decimal, error) {
	chainName := r.strategy.Chain
	chain, ok := r.deps.Tokens.Chain(chainName)
	if !ok {
		return web3.TransactionRequest{}, tokens.Token{}, decimal.Zero,
			xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported chain %q", chainName))
	}
	value, err := tokens.ParseAmount(amount)
	if err != nil || value.Sign() <= 0 {
		return web3.TransactionRequest{}, tokens.Token{}, decimal.Zero,
			xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid amount %q", amount))
	}

	tokenAddress = strings.TrimSpace(tokenAddress)
	native := tokenAddress == "" || tokens.IsNativeAddress(chainName, tokenAddress)
	var token tokens.Token
	if native {
		token, ok = r.deps.Tokens.Native(chainName)
	} else {
		token, ok = r.deps.Tokens.Lookup(chainName, tokenAddress)
	}
	if !ok && !native && r.inspector != nil && common.IsHexAddress(tokenAddress) {
		// 代币表之外的 ERC-20 从链上读取精度。
		decimals, err := r.inspector.TokenDecimals(ctx, tokenAddress)
		if err != nil {
			return web3.TransactionRequest{}, tokens.Token{}, decimal.Zero,
				xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("unsupported token %q on %s", tokenAddress, chainName))
		}
		address := common.HexToAddress(tokenAddress).Hex()
		token = tokens.Token{Chain: chainName, Symbol: address, Address: address, Decimals: decimals}
		ok = true
	}
	if !ok {
		return web3.TransactionRequest{}, tokens.Token{}, decimal.Zero,
			xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported token %q on %s", tokenAddress, chainName))
	}

	minor, err := tokens.ToMinorUnits(value, token.Decimals)
	if err != nil {
		return web3.TransactionRequest{}, tokens.Token{}, decimal.Zero,
			xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
	}
	var req web3.TransactionRequest
	if native {
		req, err = web3.NativeTransfer(chain.ChainID, owner, minor)
	} else {
		req, err = web3.TokenTransfer(chain.ChainID, token.Address, owner, minor)
	}
	if err != nil {
		return web3.TransactionRequest{}, tokens.Token{}, decimal.Zero,
			xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build withdrawal transaction")
	}
	return req, token, value, nil
}
