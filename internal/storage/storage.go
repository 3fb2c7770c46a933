// Package storage holds the file primitives shared by the task and context
// stores: atomic JSON writes and the persistence error types.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// PersistenceError reports a durable read or write failure.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// WriteFileAtomic writes data to path so that readers observe either the old
// content or the complete new content. The temp file lives in the same
// directory and is fsynced before the rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &PersistenceError{Op: "create temp", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &PersistenceError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return &PersistenceError{Op: "chmod", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return &PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "marshal", Path: path, Err: err}
	}
	return WriteFileAtomic(path, data, 0o600)
}

// ReadJSON decodes path into v. A missing file yields ErrNotFound.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return &PersistenceError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	return nil
}
