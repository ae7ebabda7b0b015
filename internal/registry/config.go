package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"IntentHub/internal/adapter"
	"IntentHub/internal/intent"
	"IntentHub/internal/web3"
)

// Adapter kinds understood by FromConfig.
const (
	KindLend = "lend"
	KindSwap = "swap"
	KindLog  = "log"
)

// Definitions models the adapters section of the definitions file. The same
// file usually carries a chains section read by web3.LoadChainDefinitions.
type Definitions struct {
	Adapters []Definition `yaml:"adapters"`
}

// Definition describes one action tag and the adapter that serves it.
type Definition struct {
	Action   string             `yaml:"action"`
	Kind     string             `yaml:"kind"`
	Chain    string             `yaml:"chain"`
	Contract string             `yaml:"contract"`
	Account  string             `yaml:"account"`
	Referral uint16             `yaml:"referral"`
	Deadline string             `yaml:"deadline"`
	Assets   map[string]string  `yaml:"assets"`
	Breaker  *BreakerDefinition `yaml:"breaker"`
}

// BreakerDefinition enables a circuit breaker around the adapter.
type BreakerDefinition struct {
	MaxFailures      uint32 `yaml:"max_failures"`
	OpenTimeout      string `yaml:"open_timeout"`
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

// InvokerSource resolves chain names to contract invokers.
type InvokerSource interface {
	Lookup(name string) (web3.ContractInvoker, error)
}

// LoadDefinitions parses the YAML adapter definitions.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取适配器配置失败: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析适配器配置失败: %w", err)
	}
	return defs, nil
}

// FromConfig builds a sealed registry from definitions. A lend or swap
// definition without a chain or contract still registers: the adapter then
// fails each call with ADAPTER_NOT_CONFIGURED instead of the tag being unknown.
func FromConfig(defs Definitions, invokers InvokerSource) (*Registry, error) {
	builder := NewBuilder()
	for i, def := range defs.Adapters {
		built, err := buildAdapter(def, invokers)
		if err != nil {
			return nil, fmt.Errorf("adapters[%d] (%s): %w", i, def.Action, err)
		}
		if def.Breaker != nil {
			cfg, err := def.Breaker.config()
			if err != nil {
				return nil, fmt.Errorf("adapters[%d] (%s): %w", i, def.Action, err)
			}
			built = adapter.WithBreaker(def.Action, built, cfg)
		}
		if err := builder.Register(intent.Action(def.Action), built); err != nil {
			return nil, fmt.Errorf("adapters[%d]: %w", i, err)
		}
	}
	return builder.Build(), nil
}

func buildAdapter(def Definition, invokers InvokerSource) (adapter.Adapter, error) {
	kind := strings.ToLower(strings.TrimSpace(def.Kind))
	if kind == KindLog {
		return adapter.NewLogAdapter(), nil
	}
	if kind != KindLend && kind != KindSwap {
		return nil, fmt.Errorf("unsupported adapter kind %q", def.Kind)
	}

	var invoker web3.ContractInvoker
	if chain := strings.TrimSpace(def.Chain); chain != "" {
		if invokers == nil {
			return nil, fmt.Errorf("chain %s configured but no chains are available", chain)
		}
		inv, err := invokers.Lookup(chain)
		if err != nil {
			return nil, err
		}
		invoker = inv
	}
	contract, err := optionalAddress("contract", def.Contract)
	if err != nil {
		return nil, err
	}
	account, err := optionalAddress("account", def.Account)
	if err != nil {
		return nil, err
	}
	assets, err := assetBook(def.Assets)
	if err != nil {
		return nil, err
	}

	if kind == KindLend {
		return adapter.NewLendAdapter(invoker, adapter.LendConfig{
			Pool:       contract,
			OnBehalfOf: account,
			Referral:   def.Referral,
			Assets:     assets,
		}), nil
	}
	var deadline time.Duration
	if raw := strings.TrimSpace(def.Deadline); raw != "" {
		if deadline, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("deadline: %w", err)
		}
	}
	return adapter.NewSwapAdapter(invoker, adapter.SwapConfig{
		Router:    contract,
		Recipient: account,
		Deadline:  deadline,
		Assets:    assets,
	}), nil
}

func (b BreakerDefinition) config() (adapter.BreakerConfig, error) {
	cfg := adapter.BreakerConfig{MaxFailures: b.MaxFailures, HalfOpenRequests: b.HalfOpenRequests}
	if raw := strings.TrimSpace(b.OpenTimeout); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return cfg, fmt.Errorf("breaker.open_timeout: %w", err)
		}
		cfg.OpenTimeout = timeout
	}
	return cfg, nil
}

func optionalAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func assetBook(raw map[string]string) (adapter.AssetBook, error) {
	book := make(adapter.AssetBook, len(raw))
	for symbol, addr := range raw {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("asset %s address %q is invalid", symbol, addr)
		}
		book[strings.ToUpper(symbol)] = common.HexToAddress(addr)
	}
	return book, nil
}

// DefaultDefinitions is used when the definitions file declares no adapters:
// LOG records payloads and LEND is registered without a pool, so LEND intents
// fail with ADAPTER_NOT_CONFIGURED until a pool is configured.
func DefaultDefinitions() Definitions {
	return Definitions{Adapters: []Definition{
		{Action: string(intent.ActionLend), Kind: KindLend},
		{Action: string(intent.ActionLog), Kind: KindLog},
	}}
}
