// Package tokens holds the static table of supported tokens per chain and the
// decimal helpers used to move between human and minor units.
package tokens

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tokens.yaml
var defaultTable []byte

// Well-known sentinel addresses that aggregators and portfolio APIs use for a
// chain's native currency.
const (
	ZeroAddress        = "0x0000000000000000000000000000000000000000"
	EtherSentinel      = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
	PolygonNativeToken = "0x0000000000000000000000000000000000001010"
)

// Token describes a single supported asset.
type Token struct {
	Chain    string `yaml:"-" json:"chain"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Name     string `yaml:"name" json:"name"`
	Address  string `yaml:"address" json:"address"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
	Native   bool   `yaml:"native" json:"native"`
	LogoURI  string `yaml:"logo_uri" json:"logoURI,omitempty"`
}

// Chain groups the tokens supported on one network.
type Chain struct {
	Name         string  `yaml:"-"`
	ChainID      int64   `yaml:"chain_id"`
	NativeSymbol string  `yaml:"native_symbol"`
	Tokens       []Token `yaml:"tokens"`
}

// Table indexes tokens by chain name.
type Table struct {
	chains map[string]*Chain
}

var (
	defaultOnce sync.Once
	defaultErr  error
	defaultTbl  *Table
)

// Default returns the embedded token table.
func Default() *Table {
	defaultOnce.Do(func() {
		defaultTbl, defaultErr = Load(defaultTable)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded token table is invalid: %v", defaultErr))
	}
	return defaultTbl
}

// Load parses a YAML token table.
func Load(content []byte) (*Table, error) {
	var doc struct {
		Chains map[string]*Chain `yaml:"chains"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析代币表失败: %w", err)
	}
	if len(doc.Chains) == 0 {
		return nil, fmt.Errorf("代币表为空")
	}
	table := &Table{chains: make(map[string]*Chain, len(doc.Chains))}
	for name, chain := range doc.Chains {
		if chain == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		chain.Name = key
		for i := range chain.Tokens {
			chain.Tokens[i].Chain = key
			if chain.Tokens[i].Decimals < 0 || chain.Tokens[i].Decimals > 36 {
				return nil, fmt.Errorf("代币 %s/%s 精度非法", key, chain.Tokens[i].Symbol)
			}
		}
		table.chains[key] = chain
	}
	return table, nil
}

// Chain returns the chain definition by name.
func (t *Table) Chain(name string) (Chain, bool) {
	if t == nil {
		return Chain{}, false
	}
	chain, ok := t.chains[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Chain{}, false
	}
	return *chain, true
}

// Chains lists the configured chain names in a stable order.
func (t *Table) Chains() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.chains))
	for name := range t.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup finds a token on chain by symbol or contract address. Native sentinel
// addresses resolve to the chain's native token.
func (t *Table) Lookup(chain, symbolOrAddress string) (Token, bool) {
	c, ok := t.Chain(chain)
	if !ok {
		return Token{}, false
	}
	needle := strings.TrimSpace(symbolOrAddress)
	if needle == "" {
		return Token{}, false
	}
	if strings.HasPrefix(needle, "0x") || strings.HasPrefix(needle, "0X") {
		if IsNativeAddress(c.Name, needle) {
			return c.native()
		}
		for _, token := range c.Tokens {
			if strings.EqualFold(token.Address, needle) {
				return token, true
			}
		}
		return Token{}, false
	}
	for _, token := range c.Tokens {
		if strings.EqualFold(token.Symbol, needle) {
			return token, true
		}
	}
	return Token{}, false
}

// Native returns the native token of chain.
func (t *Table) Native(chain string) (Token, bool) {
	c, ok := t.Chain(chain)
	if !ok {
		return Token{}, false
	}
	return c.native()
}

func (c Chain) native() (Token, bool) {
	for _, token := range c.Tokens {
		if token.Native {
			return token, true
		}
	}
	return Token{}, false
}

// Supported reports whether address is a known token on chain.
func (t *Table) Supported(chain, address string) bool {
	_, ok := t.Lookup(chain, address)
	return ok
}

// IsNativeAddress reports whether address is one of the sentinels used for
// the native currency of chain.
func IsNativeAddress(chain, address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	if strings.EqualFold(address, ZeroAddress) || strings.EqualFold(address, EtherSentinel) {
		return true
	}
	return strings.EqualFold(chain, "polygon") && strings.EqualFold(address, PolygonNativeToken)
}
