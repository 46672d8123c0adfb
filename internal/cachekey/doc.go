// Package cachekey derives the stable on-disk identity of a media resource:
// the hex SHA-256 of its locator plus a file extension taken from the locator
// path or, failing that, from a MIME type observed on an earlier download.
// Derivation is pure so that a process restart maps the same locator onto the
// same cache file, which is what makes the cache-hit path work at all.
package cachekey
