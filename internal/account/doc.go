// Package account tracks the per-(user, provider) signing state behind every
// billed inference request: a strictly increasing nonce and the cumulative
// input fee. Stores are available in memory, Redis, and MySQL.
package account
