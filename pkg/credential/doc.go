// Package credential stores provider API keys and OAuth tokens on disk and
// hands out valid bearer tokens, refreshing OAuth tokens on expiry.
package credential
