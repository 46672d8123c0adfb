// Package cache owns the on-disk layout of the media cache:
//
//	<CacheRoot>/<CacheSubfolder>/<sha256(locator)>[.<ext>]           # complete entry
//	<CacheRoot>/<CacheSubfolder>/<sha256(locator)>[.<ext>].partial   # download in progress
//
// A complete file only ever appears through an atomic rename of its partial
// file, so a crash mid-download leaves a Partial entry that is never served as
// a cache hit. Writers are leases: at most one Writer exists per cache key in
// the process, and OpenForAppend blocks until the previous holder releases it.
// MetaIndex persists observed response metadata (MIME type, length) in badger
// so later key derivation can recover an extension for locators without one.
package cache
