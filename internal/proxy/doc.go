// Package proxy implements server.StreamHandler: it answers player requests
// for /stream/:key from a complete cache file or through the handle's loading
// coordinator, translating HTTP Range headers into data requests.
package proxy
