//go:build !linux && !darwin

package worker

// limitAddressSpace is a no-op where rlimits are unavailable; the soft heap
// limit still applies.
func limitAddressSpace(int64) error { return nil }
