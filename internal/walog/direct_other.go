//go:build !linux

package walog

import "os"

// bufferedFile is the portable syncer backend for platforms without
// O_DIRECT/fdatasync, used in place of internal/walog/direct_linux.go.
type bufferedFile struct {
	f *os.File
}

func openSyncer(path string) (syncer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &bufferedFile{f: f}, nil
}

func (b *bufferedFile) WriteAt(offset int64, data []byte) (int64, error) {
	n, err := b.f.WriteAt(data, offset)
	return int64(n), err
}

func (b *bufferedFile) Sync() error {
	return b.f.Sync()
}

func (b *bufferedFile) Close() error {
	return b.f.Close()
}
