// Package web3 defines the chain-facing contracts used by autopilot workers:
// market and position readers, calldata builders, transaction signers and swap
// quoters, together with the multi-chain YAML definitions that configure the
// EVM implementation in the ethereum subpackage.
package web3
