// Package cache persists opener state across restarts.
//
// An opener that forgets its rolling-code counter or replay window after a power cycle would
// accept challenges it already answered, and a Liveness value that restarts from zero looks to a
// phone like a stale peripheral. A [StateCache] records both for each device name so they can be
// restored before the server starts.
//
// The cache does not hold the rolling-code secret; keep that in the system keyring. Exported
// caches still reveal counters, so write them with restrictive permissions.
package cache
