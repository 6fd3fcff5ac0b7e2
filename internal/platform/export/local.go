package export

import (
	"context"
	"os"
	"path/filepath"
)

// LocalDirSink writes artifacts as files under a base directory, creating
// key subdirectories as needed.
type LocalDirSink struct {
	base string
}

func NewLocalDirSink(base string) *LocalDirSink {
	return &LocalDirSink{base: base}
}

func (s *LocalDirSink) Put(_ context.Context, key string, body []byte, _ string) error {
	path := filepath.Join(s.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o640)
}
