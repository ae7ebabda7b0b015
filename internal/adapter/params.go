package adapter

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ParseTextParams 解析版本 1 的 "key:value,key:value" 负载。
// 键区分大小写，重复键或缺少分隔符视为非法。
func ParseTextParams(payload []byte) (map[string]string, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid UTF-8")
	}
	text := strings.TrimSpace(string(payload))
	params := make(map[string]string)
	if text == "" {
		return params, nil
	}
	for _, part := range strings.Split(text, ",") {
		key, value, ok := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed pair %q", strings.TrimSpace(part))
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}

// parseAmount 接受十进制或 0x 前缀的十六进制正整数。
func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	amount, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// AssetBook maps asset symbols such as USDC to token contract addresses.
type AssetBook map[string]common.Address

// Resolve 接受符号或十六进制地址。
func (b AssetBook) Resolve(ref string) (common.Address, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return common.Address{}, fmt.Errorf("asset is empty")
	}
	if common.IsHexAddress(ref) {
		return common.HexToAddress(ref), nil
	}
	if addr, ok := b[strings.ToUpper(ref)]; ok {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("unknown asset %q", ref)
}

// Symbol 返回地址对应的符号，未登记时返回十六进制地址。
// 多个符号指向同一地址时返回字典序最小的一个。
func (b AssetBook) Symbol(addr common.Address) string {
	var matches []string
	for symbol, candidate := range b {
		if candidate == addr {
			matches = append(matches, symbol)
		}
	}
	if len(matches) == 0 {
		return addr.Hex()
	}
	sort.Strings(matches)
	return matches[0]
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	addressType = mustType("address")
	uint256Type = mustType("uint256")

	// LendArguments 是版本 2 LEND 负载的 ABI 布局 (address asset, uint256 amount)。
	LendArguments = abi.Arguments{
		{Name: "asset", Type: addressType},
		{Name: "amount", Type: uint256Type},
	}
	// SwapArguments 是版本 2 SWAP 负载的 ABI 布局。
	SwapArguments = abi.Arguments{
		{Name: "tokenIn", Type: addressType},
		{Name: "tokenOut", Type: addressType},
		{Name: "amountIn", Type: uint256Type},
		{Name: "minOut", Type: uint256Type},
	}
)

func unpackABI(args abi.Arguments, payload []byte) ([]any, error) {
	values, err := args.Unpack(payload)
	if err != nil {
		return nil, err
	}
	if len(values) != len(args) {
		return nil, fmt.Errorf("expected %d values, got %d", len(args), len(values))
	}
	return values, nil
}
