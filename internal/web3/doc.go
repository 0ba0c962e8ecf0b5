// Package web3 houses the chain-facing primitives shared by the agent runtime:
// transaction requests handed to the custodial signer, ERC-20 transfer call
// data, and YAML chain definitions used to reach RPC endpoints for receipt
// confirmation.
package web3
