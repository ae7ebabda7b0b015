package adapter

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/web3"
)

var routerABI = mustABI(`[{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[
{"name":"amountIn","type":"uint256"},
{"name":"amountOutMin","type":"uint256"},
{"name":"path","type":"address[]"},
{"name":"to","type":"address"},
{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}]`)

// SwapConfig 描述 AMM 路由适配器。
type SwapConfig struct {
	Router    common.Address
	Recipient common.Address
	Deadline  time.Duration
	Assets    AssetBook
}

// SwapAdapter 调用 swapExactTokensForTokens 完成兑换。
type SwapAdapter struct {
	invoker web3.ContractInvoker
	cfg     SwapConfig
	now     func() time.Time
}

// NewSwapAdapter 创建 SwapAdapter。
func NewSwapAdapter(invoker web3.ContractInvoker, cfg SwapConfig) *SwapAdapter {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Minute
	}
	return &SwapAdapter{invoker: invoker, cfg: cfg, now: time.Now}
}

// SwapParams 是解码后的 SWAP 参数。
type SwapParams struct {
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
	MinOut   *big.Int
}

// DecodeSwap 按信封版本解析 SWAP 负载。版本 1 的 min_out 可省略，默认为 0。
func DecodeSwap(version uint8, payload []byte, assets AssetBook) (SwapParams, error) {
	var p SwapParams
	switch version {
	case 1:
		params, err := ParseTextParams(payload)
		if err != nil {
			return p, invalidPayload(intent.ActionSwap, "%v", err)
		}
		if p.TokenIn, err = assets.Resolve(params["token_in"]); err != nil {
			return p, invalidPayload(intent.ActionSwap, "token_in: %v", err)
		}
		if p.TokenOut, err = assets.Resolve(params["token_out"]); err != nil {
			return p, invalidPayload(intent.ActionSwap, "token_out: %v", err)
		}
		if p.AmountIn, err = parseAmount(params["amount"]); err != nil {
			return p, invalidPayload(intent.ActionSwap, "%v", err)
		}
		p.MinOut = new(big.Int)
		if raw, ok := params["min_out"]; ok && raw != "" {
			minOut, ok := new(big.Int).SetString(raw, 0)
			if !ok || minOut.Sign() < 0 {
				return p, invalidPayload(intent.ActionSwap, "min_out %q is not a non-negative integer", raw)
			}
			p.MinOut = minOut
		}
	case 2:
		values, err := unpackABI(SwapArguments, payload)
		if err != nil {
			return p, invalidPayload(intent.ActionSwap, "abi decode: %v", err)
		}
		p.TokenIn, _ = values[0].(common.Address)
		p.TokenOut, _ = values[1].(common.Address)
		p.AmountIn, _ = values[2].(*big.Int)
		p.MinOut, _ = values[3].(*big.Int)
		if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
			return p, invalidPayload(intent.ActionSwap, "amount must be positive")
		}
		if p.MinOut == nil {
			p.MinOut = new(big.Int)
		}
	default:
		return p, invalidPayload(intent.ActionSwap, "unsupported payload version %d", version)
	}
	if p.TokenIn == p.TokenOut {
		return p, invalidPayload(intent.ActionSwap, "token_in and token_out are the same")
	}
	return p, nil
}

// Execute 实现 Adapter。
func (a *SwapAdapter) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if a.cfg.Router == (common.Address{}) || a.invoker == nil {
		return nil, xerrors.New(CodeNotConfigured, "swap router not set",
			xerrors.WithMetadata("action", string(req.Action)))
	}
	params, err := DecodeSwap(req.Version, req.Payload, a.cfg.Assets)
	if err != nil {
		return nil, err
	}
	recipient := a.cfg.Recipient
	if recipient == (common.Address{}) {
		recipient = a.invoker.From()
	}
	deadline := big.NewInt(a.now().Add(a.cfg.Deadline).Unix())
	path := []common.Address{params.TokenIn, params.TokenOut}

	receipt, err := a.invoker.Transact(ctx, a.cfg.Router, routerABI, "swapExactTokensForTokens",
		params.AmountIn, params.MinOut, path, recipient, deadline)
	if err != nil {
		return nil, AsFailure(req.Action, err)
	}
	if !receipt.Succeeded() {
		return nil, xerrors.New(CodeFailed, fmt.Sprintf("swap reverted in tx %s", receipt.Hash.Hex()),
			xerrors.WithMetadata("tx_hash", receipt.Hash.Hex()))
	}
	return &Outcome{
		Action: req.Action,
		Summary: fmt.Sprintf("swapped %s %s for at least %s %s",
			params.AmountIn, a.cfg.Assets.Symbol(params.TokenIn), params.MinOut, a.cfg.Assets.Symbol(params.TokenOut)),
		TxHash: receipt.Hash.Hex(),
		Data: map[string]string{
			"token_in":  params.TokenIn.Hex(),
			"token_out": params.TokenOut.Hex(),
			"amount_in": params.AmountIn.String(),
			"min_out":   params.MinOut.String(),
			"recipient": recipient.Hex(),
			"deadline":  deadline.String(),
		},
	}, nil
}
