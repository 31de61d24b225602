//go:build !unix

package server

func setSocketOptions(fd uintptr) error {
	return nil
}
