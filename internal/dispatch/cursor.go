package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cursor persists the last sequence the dispatcher has delivered.
type Cursor interface {
	Load() (uint64, error)
	Save(seq uint64) error
}

// FileCursor stores the cursor as a decimal number in a single file.
type FileCursor struct {
	path string
}

func NewFileCursor(path string) *FileCursor {
	return &FileCursor{path: path}
}

// Load returns 0 when the file does not exist yet.
func (c *FileCursor) Load() (uint64, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %w", c.path, err)
	}
	return seq, nil
}

// Save writes seq to a temporary file, syncs it and renames it over the
// cursor so a crash leaves either the old or the new value.
func (c *FileCursor) Save(seq uint64) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cursor temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.FormatUint(seq, 10) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("rename cursor: %w", err)
	}
	return nil
}
