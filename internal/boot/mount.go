package boot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Mounter performs the bind mounts that expose the live system inside the
// target root.
type Mounter interface {
	Bind(src, dst string) error
	Unmount(dst string) error
}

// bindScope tracks acquired bind mounts so they can be released in reverse
// order on every exit path.
type bindScope struct {
	m       Mounter
	log     zerolog.Logger
	mounted []string
}

func (s *bindScope) acquire(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if err := s.m.Bind(src, dst); err != nil {
		return fmt.Errorf("bind %s on %s: %w", src, dst, err)
	}
	s.mounted = append(s.mounted, dst)
	s.log.Debug().Str("src", src).Str("dst", dst).Msg("bind mounted")
	return nil
}

// release unmounts everything acquired, newest first, and returns the
// targets that could not be unmounted.
func (s *bindScope) release() []string {
	var failed []string
	for i := len(s.mounted) - 1; i >= 0; i-- {
		dst := s.mounted[i]
		if err := s.m.Unmount(dst); err != nil {
			s.log.Warn().Err(err).Str("dst", dst).Msg("unmount failed")
			failed = append(failed, dst)
		}
	}
	s.mounted = nil
	return failed
}

// bindSources lists the virtual filesystems exposed to chrooted tools.
func bindSources(efivars string) []string {
	src := []string{"/dev", "/dev/pts", "/proc", "/sys", "/run"}
	if efivars != "" {
		src = append(src, efivars)
	}
	return src
}

func bindTarget(root, src string) string { return filepath.Join(root, src) }
