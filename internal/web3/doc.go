// Package web3 defines the chain-facing collaborator contracts consumed by
// the transaction lifecycle: the Safe SDK capability set, signer
// capabilities, receipts, and the chain definitions that map chain ids to
// RPC endpoints and network names.
package web3
