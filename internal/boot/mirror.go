package boot

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Mirror makes dst an exact copy of src: files are copied over and anything
// under dst that src lacks is removed. Paths for which keep returns true are
// left untouched in dst.
func Mirror(src, dst string, keep func(rel string) bool) error {
	if keep == nil {
		keep = func(string) bool { return false }
	}
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		if rel != "." && keep(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(p, target)
		}
		return nil
	})
	if err != nil {
		return err
	}
	var stale []string
	err = filepath.WalkDir(dst, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dst, p)
		if rel == "." {
			return nil
		}
		if keep(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if _, err := os.Lstat(filepath.Join(src, rel)); os.IsNotExist(err) {
			stale = append(stale, p)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// keepDir matches rel and everything beneath it, case-insensitively since
// ESPs are FAT.
func keepDir(dir string) func(string) bool {
	dir = filepath.Clean(dir)
	return func(rel string) bool {
		return strings.EqualFold(rel, dir) || strings.HasPrefix(strings.ToLower(rel), strings.ToLower(dir)+string(filepath.Separator))
	}
}
