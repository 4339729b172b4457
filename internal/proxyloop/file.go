package proxyloop

import "os"

// namedFile wraps a raw fd as an *os.File, split out so rawio.go reads
// cleanly; os.NewFile never fails for a valid fd.
func namedFile(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}
