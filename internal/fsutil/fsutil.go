// Package fsutil holds small file helpers for data discovery and safe
// project writes.
package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var dataExts = map[string]struct{}{
	".gr":   {},
	".dat":  {},
	".txt":  {},
	".chi":  {},
	".fgr":  {},
	".pdf":  {},
	".iq":   {},
	".sq":   {},
	".getx": {},
}

// ListDataFiles returns the observed PDF files directly inside dir, sorted
// by name.
func ListDataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsDataFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsFile reports whether path names a regular file.
func IsFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// IsDataFile checks if a file looks like observed PDF data.
func IsDataFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := dataExts[ext]
	return ok
}

// ReplaceFile moves the content of src to dst. An existing dst is
// overwritten in place so that its permissions and ownership are kept.
func ReplaceFile(src, dst string) error {
	if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
		return os.Rename(src, dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
