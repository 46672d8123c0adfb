// Package fetch performs the single streaming HTTP(S) GET behind one download
// attempt. A Response carries the resource metadata learned from the headers
// (total length, MIME type, starting offset) and a body that stops producing
// bytes as soon as the request context is cancelled or the body is closed.
// Every transport failure and non-2xx status is reported as ErrNetworkFailure.
package fetch
