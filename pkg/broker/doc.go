// Package broker locates inference services on the 0G serving contract and
// builds OpenAI-compatible clients that sign every request for the resolved
// provider.
//
// A request is signed over keccak256(requestHash, nonce, user, provider,
// inputFee) using the EIP-191 text hash. Nonces and the running fee total are
// reserved per (user, provider) in an account.Store before the request is
// sent, so concurrent callers never reuse a nonce.
package broker
