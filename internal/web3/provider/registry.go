package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenAgent-Launchpad/internal/config"
	"OpenAgent-Launchpad/internal/web3"
	"OpenAgent-Launchpad/internal/web3/ethereum"
)

// Registry manages chain clients keyed by chain name. Chains without an RPC
// endpoint are simply absent and callers skip confirmation for them.
type Registry struct {
	clients map[string]*ethereum.Client
	defs    map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return NewRegistryFromDefinitions(ctx, defs)
}

// NewRegistryFromDefinitions builds a registry from already parsed definitions.
func NewRegistryFromDefinitions(ctx context.Context, defs web3.ChainDefinitions) (*Registry, error) {
	registry := &Registry{
		clients: make(map[string]*ethereum.Client),
		defs:    make(map[string]web3.ChainDefinition, len(defs.Chains)),
	}
	for name, chain := range defs.Chains {
		registry.defs[name] = chain
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			registry.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		if strings.TrimSpace(chain.RPCURL) == "" {
			continue
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:         name,
			RPCURL:       chain.RPCURL,
			Notes:        chain.Description,
			PollInterval: 2 * time.Second,
		})
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		registry.clients[name] = client
	}
	return registry, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[strings.ToLower(strings.TrimSpace(name))]
	return client, ok
}

// Confirmer returns the receipt confirmer for chain, or nil when the chain has
// no RPC endpoint configured.
func (r *Registry) Confirmer(name string) web3.Confirmer {
	client, ok := r.Client(name)
	if !ok {
		return nil
	}
	return client
}

// Definition returns the raw definition for chain.
func (r *Registry) Definition(name string) (web3.ChainDefinition, error) {
	if r == nil {
		return web3.ChainDefinition{}, errors.New("未初始化的链客户端注册表")
	}
	def, ok := r.defs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return web3.ChainDefinition{}, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	return def, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of chains with a live client.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
