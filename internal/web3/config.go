package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the chains section of the adapter definitions file.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the signing account used on it.
type ChainDefinition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	ChainID        int64  `yaml:"chain_id"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
	GasLimit       uint64 `yaml:"gas_limit"`
	ReceiptTimeout string `yaml:"receipt_timeout"`
	Description    string `yaml:"description"`
}

// ReceiptWait parses ReceiptTimeout, falling back to two minutes.
func (d ChainDefinition) ReceiptWait() (time.Duration, error) {
	raw := strings.TrimSpace(d.ReceiptTimeout)
	if raw == "" {
		return 2 * time.Minute, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("receipt_timeout 格式错误: %w", err)
	}
	return wait, nil
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
