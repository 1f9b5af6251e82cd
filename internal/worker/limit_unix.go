//go:build linux || darwin

package worker

import "golang.org/x/sys/unix"

// addressSlack covers the runtime's own mappings on top of the heap budget.
const addressSlack = 512 << 20

// limitAddressSpace caps the process address space so a runaway job fails
// allocation instead of pushing the host into swap.
func limitAddressSpace(budget int64) error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &lim); err != nil {
		return err
	}
	want := uint64(budget)*2 + addressSlack
	if want >= lim.Cur {
		return nil
	}
	lim.Cur = want
	return unix.Setrlimit(unix.RLIMIT_AS, &lim)
}
