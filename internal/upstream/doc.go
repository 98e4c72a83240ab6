// Package upstream keeps the registry of upstream terminology servers:
// their configuration, live health and the capability claims discovered
// from each server's CapabilityStatement.
//
// The registry publishes immutable snapshots. Readers load the current
// snapshot without locking; a refresh builds the next snapshot off to the
// side and swaps it in one step, so in-flight requests never observe a
// partially refreshed registry.
package upstream
