// Package xattrs lists and restores extended attributes. The archiver only
// touches it when xattr, ACL or SELinux carriage is switched on; the
// attributes travel as SCHILY.xattr.* records.
package xattrs

import (
	"os"

	"golang.org/x/sys/unix"
)

// List returns every attribute of path as name→value, without following a
// final symlink. Unsupported filesystems yield an empty map, not an error.
func List(path string) (map[string]string, error) {
	sz, err := unix.Llistxattr(path, nil)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil, nil
		}
		return nil, &os.PathError{Op: "llistxattr", Path: path, Err: err}
	}
	if sz == 0 {
		return nil, nil
	}
	buf := make([]byte, sz)
	sz, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, &os.PathError{Op: "llistxattr", Path: path, Err: err}
	}
	attrs := make(map[string]string)
	for _, name := range splitNames(buf[:sz]) {
		value, err := get(path, name)
		if err != nil {
			return nil, err
		}
		attrs[name] = value
	}
	return attrs, nil
}

func splitNames(b []byte) []string {
	var names []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				names = append(names, string(b[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

func get(path, name string) (string, error) {
	sz, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return "", &os.PathError{Op: "lgetxattr", Path: path, Err: err}
	}
	buf := make([]byte, sz)
	sz, err = unix.Lgetxattr(path, name, buf)
	if err != nil {
		return "", &os.PathError{Op: "lgetxattr", Path: path, Err: err}
	}
	return string(buf[:sz]), nil
}

// Set restores one attribute, without following a final symlink. Values are
// raw bytes; SELinux contexts and POSIX ACLs pass through unmodified.
func Set(path, name, value string) error {
	if err := unix.Lsetxattr(path, name, []byte(value), 0); err != nil {
		return &os.PathError{Op: "lsetxattr", Path: path, Err: err}
	}
	return nil
}
