// Package web3 holds the chain-facing abstractions used by protocol adapters:
// the ContractInvoker capability, mined transaction receipts and the YAML
// chain definitions from which invokers are built.
package web3
