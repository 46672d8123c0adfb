// Package media is the public face of the cache: a Manager turns source
// locators into Handles, and a Handle is what a player plays.
//
// A Handle whose entry is already complete on disk exposes a file:// playback
// URL and never builds a coordinator. Any other Handle exposes the locator
// with its scheme swapped for the configured marker scheme, so every load the
// player issues comes back through Handle.RequestMetadata / RequestData and
// is served by the handle's loader.Coordinator.
package media
