// Package web3 holds chain connectivity for the inference marketplace: the
// network definitions (RPC endpoint, chain id and serving contract address)
// and, in the ethereum subpackage, a narrow JSON-RPC client used for read-only
// contract calls.
package web3
