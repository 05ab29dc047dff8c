// Package web3 houses the chain table, the EVM backend contract used by the
// transaction orchestrator, and the unsigned transaction codec handed to the
// delegated signer. Concrete RPC clients live in the ethereum subpackage and
// the per-chain registry in provider.
package web3
