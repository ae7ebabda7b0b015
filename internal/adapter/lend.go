package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/web3"
)

const poolABIJSON = `[{"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[
{"name":"asset","type":"address"},
{"name":"amount","type":"uint256"},
{"name":"onBehalfOf","type":"address"},
{"name":"referralCode","type":"uint16"}],"outputs":[]}]`

var poolABI = mustABI(poolABIJSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// LendConfig 描述借贷池适配器。
type LendConfig struct {
	Pool       common.Address
	OnBehalfOf common.Address
	Referral   uint16
	Assets     AssetBook
}

// LendAdapter 将资产存入借贷池，调用 supply(asset, amount, onBehalfOf, referralCode)。
type LendAdapter struct {
	invoker web3.ContractInvoker
	cfg     LendConfig
}

// NewLendAdapter 创建 LendAdapter。invoker 或借贷池地址缺失时仍可构造，
// 但每次执行都会以 ADAPTER_NOT_CONFIGURED 失败。
func NewLendAdapter(invoker web3.ContractInvoker, cfg LendConfig) *LendAdapter {
	return &LendAdapter{invoker: invoker, cfg: cfg}
}

// LendParams 是解码后的 LEND 参数。
type LendParams struct {
	Asset  common.Address
	Amount *big.Int
}

// DecodeLend 按信封版本解析 LEND 负载。
func DecodeLend(version uint8, payload []byte, assets AssetBook) (LendParams, error) {
	switch version {
	case 1:
		params, err := ParseTextParams(payload)
		if err != nil {
			return LendParams{}, invalidPayload(intent.ActionLend, "%v", err)
		}
		asset, err := assets.Resolve(params["asset"])
		if err != nil {
			return LendParams{}, invalidPayload(intent.ActionLend, "%v", err)
		}
		amount, err := parseAmount(params["amount"])
		if err != nil {
			return LendParams{}, invalidPayload(intent.ActionLend, "%v", err)
		}
		return LendParams{Asset: asset, Amount: amount}, nil
	case 2:
		values, err := unpackABI(LendArguments, payload)
		if err != nil {
			return LendParams{}, invalidPayload(intent.ActionLend, "abi decode: %v", err)
		}
		asset, _ := values[0].(common.Address)
		amount, _ := values[1].(*big.Int)
		if amount == nil || amount.Sign() <= 0 {
			return LendParams{}, invalidPayload(intent.ActionLend, "amount must be positive")
		}
		return LendParams{Asset: asset, Amount: amount}, nil
	default:
		return LendParams{}, invalidPayload(intent.ActionLend, "unsupported payload version %d", version)
	}
}

// Execute 实现 Adapter。
func (a *LendAdapter) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if a.cfg.Pool == (common.Address{}) || a.invoker == nil {
		return nil, xerrors.New(CodeNotConfigured, "lending pool not set",
			xerrors.WithMetadata("action", string(req.Action)))
	}
	params, err := DecodeLend(req.Version, req.Payload, a.cfg.Assets)
	if err != nil {
		return nil, err
	}
	onBehalfOf := a.cfg.OnBehalfOf
	if onBehalfOf == (common.Address{}) {
		onBehalfOf = a.invoker.From()
	}

	receipt, err := a.invoker.Transact(ctx, a.cfg.Pool, poolABI, "supply",
		params.Asset, params.Amount, onBehalfOf, a.cfg.Referral)
	if err != nil {
		return nil, AsFailure(req.Action, err)
	}
	if !receipt.Succeeded() {
		return nil, xerrors.New(CodeFailed, fmt.Sprintf("supply reverted in tx %s", receipt.Hash.Hex()),
			xerrors.WithMetadata("tx_hash", receipt.Hash.Hex()))
	}

	symbol := a.cfg.Assets.Symbol(params.Asset)
	return &Outcome{
		Action:  req.Action,
		Summary: fmt.Sprintf("supplied %s %s to pool %s", params.Amount.String(), symbol, a.cfg.Pool.Hex()),
		TxHash:  receipt.Hash.Hex(),
		Data: map[string]string{
			"asset":        params.Asset.Hex(),
			"amount":       params.Amount.String(),
			"on_behalf_of": onBehalfOf.Hex(),
			"block":        fmt.Sprintf("%d", receipt.BlockNumber),
		},
	}, nil
}
