package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"IntentHub/internal/web3"
	"IntentHub/internal/web3/ethereum"
)

// Registry manages a set of contract invokers keyed by chain name.
type Registry struct {
	invokers map[string]web3.ContractInvoker
}

// Dialer builds an invoker for one chain definition.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.ContractInvoker, error)

// DialEVM is the default Dialer for chains of type "evm".
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.ContractInvoker, error) {
	wait, err := def.ReceiptWait()
	if err != nil {
		return nil, err
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:           name,
		RPCURL:         def.RPCURL,
		ChainID:        def.ChainID,
		PrivateKeyEnv:  def.PrivateKeyEnv,
		GasLimit:       def.GasLimit,
		ReceiptTimeout: wait,
		Notes:          def.Description,
	})
}

// NewRegistry instantiates an invoker for every chain in defs. A nil dialer
// selects DialEVM. An empty definition set yields an empty registry: adapters
// that need a chain then fail with a configuration error when built.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEVM
	}
	registry := &Registry{invokers: make(map[string]web3.ContractInvoker, len(defs.Chains))}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			registry.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		invoker, err := dial(ctx, name, chain)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		registry.invokers[name] = invoker
	}
	return registry, nil
}

// Invoker returns the invoker identified by chain name.
func (r *Registry) Invoker(name string) (web3.ContractInvoker, bool) {
	if r == nil {
		return nil, false
	}
	invoker, ok := r.invokers[name]
	return invoker, ok
}

// Lookup is Invoker with an error for unknown chains.
func (r *Registry) Lookup(name string) (web3.ContractInvoker, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	invoker, ok := r.invokers[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	return invoker, nil
}

// Close releases all invokers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, invoker := range r.invokers {
		if invoker != nil {
			invoker.Close()
		}
		delete(r.invokers, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
