// Package fsutil is the host filesystem adapter: stat with the fields the
// archiver needs (device, inode, nanosecond mtime, ownership), device and
// FIFO node creation, and ownership and mtime restore. Regular files,
// directories and links are created through the os package by the callers.
package fsutil

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Info describes one file the way the archiver sees it.
type Info struct {
	Name    string // base name
	Mode    os.FileMode
	Size    int64
	ModTime time.Time
	Atime   time.Time

	Dev   uint64
	Ino   uint64
	Nlink uint64
	Uid   uint32
	Gid   uint32

	// Major/Minor are valid for device nodes.
	Major uint32
	Minor uint32
}

func (i *Info) IsDir() bool     { return i.Mode.IsDir() }
func (i *Info) IsRegular() bool { return i.Mode.IsRegular() }
func (i *Info) IsSymlink() bool { return i.Mode&os.ModeSymlink != 0 }

// modeFromUnix converts an st_mode to an os.FileMode.
func modeFromUnix(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFBLK:
		mode |= os.ModeDevice
	case unix.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	}
	if m&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

func infoFromStat(path string, st *unix.Stat_t) *Info {
	info := &Info{
		Name:    filepath.Base(path),
		Mode:    modeFromUnix(uint32(st.Mode)),
		Size:    st.Size,
		ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Atime:   time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Dev:     uint64(st.Dev),
		Ino:     st.Ino,
		Nlink:   uint64(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
	}
	if info.Mode&os.ModeDevice != 0 {
		info.Major = unix.Major(uint64(st.Rdev))
		info.Minor = unix.Minor(uint64(st.Rdev))
	}
	return info
}

// Lstat stats without following a final symlink.
func Lstat(path string) (*Info, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return infoFromStat(path, &st), nil
}

// Stat follows symlinks.
func Stat(path string) (*Info, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return infoFromStat(path, &st), nil
}

// MkNod creates a device node or FIFO.
func MkNod(path string, mode os.FileMode, major, minor uint32) error {
	m := uint32(mode.Perm())
	switch {
	case mode&os.ModeCharDevice != 0:
		m |= unix.S_IFCHR
	case mode&os.ModeDevice != 0:
		m |= unix.S_IFBLK
	case mode&os.ModeNamedPipe != 0:
		return unix.Mkfifo(path, m)
	default:
		return xerrors.Errorf("mknod %s: not a device or fifo mode: %v", path, mode)
	}
	dev := unix.Mkdev(major, minor)
	if err := unix.Mknod(path, m, int(dev)); err != nil {
		return &os.PathError{Op: "mknod", Path: path, Err: err}
	}
	return nil
}

// SetMtime sets the modification time without following a final symlink.
// Access time is set to the same instant when atime is zero.
func SetMtime(path string, mtime, atime time.Time) error {
	if atime.IsZero() {
		atime = mtime
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &os.PathError{Op: "utimes", Path: path, Err: err}
	}
	return nil
}

// Lchown changes ownership without following a final symlink.
func Lchown(path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

// SameFile reports whether two stats refer to the same inode.
func SameFile(a, b *Info) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino
}
