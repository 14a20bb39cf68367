// Package fetch verifies that a variant URL can actually be delivered.
//
// A probe is a full GET: the body is read (up to a byte limit), the status
// must be 2xx, and the bytes must sniff as an image. Only then does the
// sequencer commit the stage. The bytes themselves are discarded; the
// renderer is expected to load the same URL from the HTTP cache.
//
// # Fetchers
//
//   - [HTTPFetcher]: the network implementation, built on resty
//   - [CachedFetcher]: remembers verified URLs in a [cache.Cache]
//   - [Func]: adapts a function, used heavily in tests
//
// Errors are coded with pkg/errors: NETWORK_FAILURE for transport errors,
// non-success statuses and non-image bodies, TIMEOUT when the probe context
// deadline expires, CANCELLED when it is cancelled.
package fetch
