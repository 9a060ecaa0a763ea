//go:build !unix

package bufferpool

import (
	"io"
	"os"
)

// mmapFile reads the file into memory where mmap is unavailable.
func mmapFile(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func munmap([]byte) error {
	return nil
}
