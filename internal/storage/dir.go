package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// Dir is the directory produced files are written to and served from.
type Dir struct {
	root string
}

// New returns a Dir rooted at path, creating it if needed.
func New(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute directory path.
func (d *Dir) Root() string {
	return d.root
}

// Path returns the absolute path for name, rejecting names that would
// escape the directory.
func (d *Dir) Path(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") || strings.ContainsRune(clean, os.PathSeparator) {
		return "", errors.New("invalid file name")
	}
	return filepath.Join(d.root, clean), nil
}

// Exists checks if a regular file name exists in the directory
func (d *Dir) Exists(name string) bool {
	path, err := d.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Remove deletes name if present.
func (d *Dir) Remove(name string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SafeName turns a title into a file name stem usable on every platform.
func SafeName(title string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(title), "_")
	s = strings.Trim(s, "._-")
	if r := []rune(s); len(r) > 120 {
		s = string(r[:120])
	}
	if s == "" {
		s = "media"
	}
	return s
}

// Stem builds "<title>_<timestamp>_<suffix>" without an extension.
func Stem(title, suffix string, now time.Time) string {
	name := fmt.Sprintf("%s_%s", SafeName(title), now.Format("20060102_150405"))
	if suffix != "" {
		name += "_" + SafeName(suffix)
	}
	return name
}

// UniqueName builds "<title>_<timestamp>_<suffix>.<ext>".
func UniqueName(title, suffix, ext string, now time.Time) string {
	return Stem(title, suffix, now) + "." + strings.TrimPrefix(ext, ".")
}
