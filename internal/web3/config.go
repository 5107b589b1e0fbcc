package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainTypeEVM 是目前唯一支持的链类型。
const ChainTypeEVM = "evm"

// ChainDefinitions 对应链配置文件的结构，键为工具参数中使用的链名。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的接入参数。rpc_url 支持 ${VAR} 形式的环境变量，
// 便于把服务商的访问密钥留在配置文件之外。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// Names 按字典序返回全部链名。
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalize 展开环境变量并补全默认类型，不合法的定义返回错误。
func (d *ChainDefinitions) normalize() error {
	for _, name := range d.Names() {
		def := d.Chains[name]
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t") {
			return fmt.Errorf("链名 %q 不合法", name)
		}
		def.Type = strings.ToLower(strings.TrimSpace(def.Type))
		if def.Type == "" {
			def.Type = ChainTypeEVM
		}
		if def.Type != ChainTypeEVM {
			return fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		def.RPCURL = strings.TrimSpace(os.ExpandEnv(def.RPCURL))
		if def.RPCURL == "" {
			return fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		d.Chains[name] = def
	}
	return nil
}

// LoadChainDefinitions 解析链配置 YAML，路径为空时返回空集合。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析并校验链配置内容。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	if err := defs.normalize(); err != nil {
		return ChainDefinitions{}, err
	}
	return defs, nil
}
