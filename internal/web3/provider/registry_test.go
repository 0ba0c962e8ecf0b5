package provider

import (
	"context"
	"testing"

	"OpenAgent-Launchpad/internal/web3"
)

func TestRegistrySkipsChainsWithoutRPC(t *testing.T) {
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"polygon":  {ChainID: 137, RPCURL: "http://127.0.0.1:8545"},
		"ethereum": {ChainID: 1},
	}}
	registry, err := NewRegistryFromDefinitions(context.Background(), defs)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()

	if chains := registry.Chains(); len(chains) != 1 || chains[0] != "polygon" {
		t.Fatalf("unexpected chains %v", chains)
	}
	if registry.Confirmer("Polygon") == nil {
		t.Fatalf("expected confirmer for polygon")
	}
	if registry.Confirmer("ethereum") != nil {
		t.Fatalf("ethereum has no rpc endpoint and must not have a confirmer")
	}
	def, err := registry.Definition("ethereum")
	if err != nil || def.ChainID != 1 {
		t.Fatalf("unexpected definition %+v %v", def, err)
	}
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"solana": {Type: "svm", RPCURL: "http://127.0.0.1:8899"},
	}}
	if _, err := NewRegistryFromDefinitions(context.Background(), defs); err == nil {
		t.Fatalf("expected error for unsupported chain type")
	}
}
