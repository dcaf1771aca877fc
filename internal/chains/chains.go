// Package chains holds the static settlement chain reference data.
package chains

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var defaultChains []byte

type Token struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
}

type Chain struct {
	ChainID         int64   `yaml:"chainId" json:"chainId"`
	Name            string  `yaml:"name" json:"name"`
	RPCURL          string  `yaml:"rpcUrl" json:"rpcUrl"`
	RegistryAddress string  `yaml:"registryAddress" json:"registryAddress"`
	VaultAddress    string  `yaml:"vaultAddress" json:"vaultAddress"`
	Tokens          []Token `yaml:"tokens" json:"tokens"`
}

// Token looks up a token by symbol, case-insensitively.
func (c Chain) Token(symbol string) (Token, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

type Registry struct {
	byID map[int64]Chain
}

// Load parses the chain file at path, or the embedded defaults when path
// is empty.
func Load(path string) (*Registry, error) {
	data := defaultChains
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read chains file: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var doc struct {
		Chains []Chain `yaml:"chains"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode chains: %w", err)
	}

	r := &Registry{byID: make(map[int64]Chain, len(doc.Chains))}
	for _, c := range doc.Chains {
		if c.ChainID <= 0 {
			return nil, fmt.Errorf("chain %q: chainId must be positive", c.Name)
		}
		if _, dup := r.byID[c.ChainID]; dup {
			return nil, fmt.Errorf("chain %d listed twice", c.ChainID)
		}
		for _, addr := range []string{c.RegistryAddress, c.VaultAddress} {
			if addr != "" && !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("chain %d: invalid address %q", c.ChainID, addr)
			}
		}
		for _, t := range c.Tokens {
			if !common.IsHexAddress(t.Address) {
				return nil, fmt.Errorf("chain %d token %s: invalid address %q", c.ChainID, t.Symbol, t.Address)
			}
		}
		r.byID[c.ChainID] = c
	}
	return r, nil
}

func (r *Registry) Get(chainID int64) (Chain, bool) {
	c, ok := r.byID[chainID]
	return c, ok
}

// All returns every chain ordered by chain id.
func (r *Registry) All() []Chain {
	out := make([]Chain, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// UsableAddress reports whether addr is a well-formed, non-zero address.
func UsableAddress(addr string) bool {
	return common.IsHexAddress(addr) && common.HexToAddress(addr) != (common.Address{})
}

// PaymentURI builds an EIP-681 token transfer URI for amount (in whole
// token units) to payTo. It returns "" when the chain or token is unknown,
// or when either address is unusable.
func (r *Registry) PaymentURI(chainID int64, symbol, payTo string, amount decimal.Decimal) string {
	c, ok := r.Get(chainID)
	if !ok {
		return ""
	}
	t, ok := c.Token(symbol)
	if !ok || !UsableAddress(t.Address) || !UsableAddress(payTo) {
		return ""
	}
	baseUnits := amount.Shift(t.Decimals).Ceil()
	return fmt.Sprintf("ethereum:%s@%d/transfer?address=%s&uint256=%s",
		common.HexToAddress(t.Address).Hex(), chainID, common.HexToAddress(payTo).Hex(), baseUnits.String())
}
