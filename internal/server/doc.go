// Package server hosts the Fiber playback gateway: request middleware, handle
// lookup for /stream/:key and the StreamHandler seam that the proxy package
// implements. Diagnostic and control routes live under /-/ and are registered
// by the routes package.
package server
