//go:build !linux && !darwin && !freebsd

package physmem

func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnonymous(_ []byte) error {
	return nil
}
