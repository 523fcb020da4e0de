package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// copySource copies a file or directory tree at src into dst. Regular files,
// directories and symlinks that resolve inside src are copied; symlinks
// pointing outside src and special files are skipped.
func copySource(src, dst string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return copyFile(srcAbs, filepath.Join(dst, filepath.Base(srcAbs)), info.Mode())
	}

	realRoot, err := filepath.EvalSymlinks(srcAbs)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}

	return filepath.WalkDir(realRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(realRoot, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return copySymlink(realRoot, path, target)
		case d.IsDir():
			if rel == "." {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, fi.Mode().Perm()|0o700)
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, fi.Mode())
		default:
			log.Debug().Str("path", path).Msg("skipping special file")
			return nil
		}
	})
}

func copySymlink(root, path, target string) error {
	link, err := os.Readlink(path)
	if err != nil {
		return err
	}
	resolved := link
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(path), link)
	}
	resolved = filepath.Clean(resolved)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		log.Warn().Str("path", path).Str("target", link).Msg("skipping symlink outside source tree")
		return nil
	}

	// keep in-tree links relative so they stay valid under the new root
	rel, err := filepath.Rel(filepath.Dir(path), resolved)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Symlink(rel, target)
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
