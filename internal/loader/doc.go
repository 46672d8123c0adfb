// Package loader implements the resource-loading state machine that sits
// between a playback engine and the origin server.
//
// A Coordinator accepts metadata probes and byte-range data requests for one
// resource. All of its state lives on a single mailbox goroutine; the network
// fetch runs on its own goroutine and hands every event (writer acquired,
// headers, chunk, EOF, failure) to the mailbox, so no two mutations of one
// coordinator ever run concurrently.
//
// Bytes are appended to the store's partial file in arrival order. A data
// request reads its range back through its own read-only handle on that file,
// so requests that start behind the stream position are caught up from disk
// while requests ahead of it wait for the stream to pass their offset. Only
// when the partial file can no longer be written does the coordinator fall
// back to handing chunks to requests in memory; in that mode a request whose
// offset the stream has already passed fails with ErrOutOfOrderRange.
//
// States move Idle -> Probing -> Streaming -> {Completed, Failed, Cancelled}.
// The three final states are terminal: the coordinator rejects new requests
// and its owner must create a new one for another attempt.
package loader

//go:generate mockgen -destination=mocks/fetcher.go -package=mocks . Fetcher
