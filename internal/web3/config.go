package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the lending
// deployment the autopilot manages on it.
type ChainDefinition struct {
	Type        string          `yaml:"type"`
	ChainID     int64           `yaml:"chain_id"`
	RPCURL      string          `yaml:"rpc_url"`
	Description string          `yaml:"description"`
	Lending     LendingProtocol `yaml:"lending"`
}

// LendingProtocol points at an Aave-v3-compatible pool and its price oracle.
type LendingProtocol struct {
	Pool     string    `yaml:"pool"`
	Oracle   string    `yaml:"oracle"`
	Reserves []Reserve `yaml:"reserves"`
}

// Reserve is a token listed on the lending pool.
type Reserve struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
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
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata and validates reserve entries.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		for i, reserve := range chain.Lending.Reserves {
			if strings.TrimSpace(reserve.Address) == "" {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的第 %d 个资产缺少地址", name, i)
			}
			if reserve.Decimals == 0 {
				chain.Lending.Reserves[i].Decimals = 18
			}
		}
	}
	return defs, nil
}
