package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore implements SecretStore over a directory holding one file per
// key, the layout container runtimes use for mounted secrets.
type FileStore struct {
	Dir string
}

// NewFileStore creates a FileStore reading from dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Get reads the file named key. A trailing newline is dropped.
func (f *FileStore) Get(key string) ([]byte, error) {
	if f.Dir == "" {
		return nil, nil
	}
	if strings.ContainsAny(key, `/\`) || key == ".." {
		return nil, fmt.Errorf("secret: invalid key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", key, err)
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

// EnvFileStore implements SecretStore over the <KEY>_FILE convention: the
// variable named after the upper-cased key plus "_FILE" holds the path of
// the file with the secret.
type EnvFileStore struct {
	Getenv func(string) string
}

func (e EnvFileStore) Get(key string) ([]byte, error) {
	if e.Getenv == nil {
		return nil, nil
	}
	path := e.Getenv(strings.ToUpper(key) + "_FILE")
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// A named file that cannot be read is a misconfiguration, not a miss.
		return nil, fmt.Errorf("secret %s: %w", key, err)
	}
	return bytes.TrimRight(data, "\r\n"), nil
}
