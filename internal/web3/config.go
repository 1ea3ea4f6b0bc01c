package web3

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// DefaultNetwork is used when the caller does not name one.
const DefaultNetwork = "testnet"

//go:embed networks.yaml
var defaultNetworks []byte

// NetworkDefinitions models the structure of networks.yaml.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes a single chain endpoint and its serving contract.
type NetworkDefinition struct {
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Contract    string `yaml:"contract"`
	Description string `yaml:"description"`
}

// ContractAddress parses the configured serving contract.
func (d NetworkDefinition) ContractAddress() (common.Address, error) {
	addr := strings.TrimSpace(d.Contract)
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("无效的合约地址: %q", d.Contract)
	}
	return common.HexToAddress(addr), nil
}

// DefaultNetworkDefinitions 返回编译进二进制的网络定义。
func DefaultNetworkDefinitions() NetworkDefinitions {
	defs, err := parseNetworkDefinitions(defaultNetworks)
	if err != nil {
		panic(fmt.Sprintf("内置网络定义无效: %v", err))
	}
	return defs
}

// LoadNetworkDefinitions parses the YAML file containing network metadata.
// An empty path yields the built-in definitions; entries in the file override
// built-in entries with the same name.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	defs := DefaultNetworkDefinitions()
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}
	custom, err := parseNetworkDefinitions(content)
	if err != nil {
		return NetworkDefinitions{}, err
	}
	for name, def := range custom.Networks {
		defs.Networks[name] = def
	}
	return defs, nil
}

// Lookup returns the named definition; an empty name selects DefaultNetwork.
func (d NetworkDefinitions) Lookup(name string) (NetworkDefinition, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultNetwork
	}
	def, ok := d.Networks[name]
	if !ok {
		return NetworkDefinition{}, fmt.Errorf("未知网络 %q，可选: %s", name, strings.Join(d.Names(), ", "))
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return NetworkDefinition{}, fmt.Errorf("网络 %q 未配置 rpc_url", name)
	}
	return def, nil
}

// Names lists the configured networks in sorted order.
func (d NetworkDefinitions) Names() []string {
	names := make([]string, 0, len(d.Networks))
	for name := range d.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseNetworkDefinitions(content []byte) (NetworkDefinitions, error) {
	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	normalized := make(map[string]NetworkDefinition, len(defs.Networks))
	for name, def := range defs.Networks {
		normalized[strings.ToLower(strings.TrimSpace(name))] = def
	}
	defs.Networks = normalized
	return defs, nil
}
