package boot

import "golang.org/x/sys/unix"

// SysMounter binds with mount(2) and detaches lazily on release.
type SysMounter struct{}

func (SysMounter) Bind(src, dst string) error {
	return unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, "")
}

func (SysMounter) Unmount(dst string) error {
	return unix.Unmount(dst, unix.MNT_DETACH)
}
