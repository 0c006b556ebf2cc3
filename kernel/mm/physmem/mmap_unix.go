//go:build linux || darwin || freebsd

package physmem

import "golang.org/x/sys/unix"

// mapAnonymous reserves a private, zero-filled mapping. Pages are only
// committed by the host once touched, so large simulated machines are cheap.
func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapAnonymous(data []byte) error {
	return unix.Munmap(data)
}
