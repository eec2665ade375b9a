package op

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/fsutil"
	"github.com/distr1/dtar/internal/sparse"
	"github.com/distr1/dtar/internal/tarfmt"
	"github.com/distr1/dtar/internal/userlookup"
	"github.com/distr1/dtar/internal/xattrs"
	"golang.org/x/xerrors"
)

// errSkipEntry marks an entry silently skipped by the overwrite policy.
var errSkipEntry = xerrors.New("skip entry")

// Extract materializes the archive's entries into the working directory.
func Extract(ctx context.Context, cfg *Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	rules, err := parseTransforms(cfg.Transforms)
	if err != nil {
		return err
	}

	br, err := blockio.OpenReader(ctx, cfg.Archive, cfg.Compression)
	if err != nil {
		return err
	}
	defer br.Close()

	tr := tarfmt.NewReader(br)
	tr.SetIgnoreZeros(cfg.IgnoreZeros)
	tr.SetWarnf(cfg.warn)

	// Directory mtimes are restored after their contents, else every
	// extracted child bumps them again.
	type dirTime struct {
		path  string
		hdr   *tarfmt.Header
	}
	var dirTimes []dirTime

	for {
		if err := cancelled(ctx); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		name := applyTransforms(rules, hdr.Name)
		name = sanitizeName(name, cfg.AbsoluteNames)
		var ok bool
		if name, ok = stripComponents(name, cfg.StripComponents); !ok {
			continue
		}
		if name == "" || excluded(cfg.Excludes, name) || !matchesFileList(cfg.Files, name) {
			continue
		}
		if cfg.Verbosity >= Verbose {
			io.WriteString(cfg.Out, name+"\n")
		}

		if cfg.ToStdout {
			if hdr.IsRegular() {
				if err := writeToStdout(cfg, tr, hdr); err != nil {
					return err
				}
			}
			cfg.checkpoint()
			continue
		}

		switch hdr.Typeflag {
		case tarfmt.TypeGNUVolHeader:
			continue
		case tarfmt.TypeGNUMultiVol:
			if !cfg.MultiVolume {
				cfg.warn("dtar: %s: skipping multi-volume continuation (pass --multi-volume to append it)", name)
				continue
			}
			if err := appendContinuation(cfg, tr, name, hdr); err != nil {
				cfg.warn("dtar: %s: %v", name, err)
			}
			continue
		}

		if err := materialize(cfg, tr, hdr, name); err != nil {
			if err == errSkipEntry {
				continue
			}
			if _, refused := err.(*OverwriteRefusedError); refused {
				cfg.warn("%v", err)
				continue
			}
			return err
		}
		if hdr.Typeflag == tarfmt.TypeDir {
			dirTimes = append(dirTimes, dirTime{path: filepath.FromSlash(name), hdr: hdr})
		}
		cfg.checkpoint()
	}

	// Deepest directories first so parent mtimes stay put.
	for i := len(dirTimes) - 1; i >= 0; i-- {
		d := dirTimes[i]
		restoreAttrs(cfg, d.path, d.hdr)
	}
	return cfg.finish(nil)
}

func writeToStdout(cfg *Config, tr *tarfmt.Reader, hdr *tarfmt.Header) error {
	if hdr.SparseMap != nil {
		// Expand holes so stdout carries the logical content.
		pos := int64(0)
		for _, r := range hdr.SparseMap {
			if err := copyZeros(cfg.Out, r.Offset-pos); err != nil {
				return err
			}
			if _, err := io.CopyN(cfg.Out, tr, r.Length); err != nil {
				return err
			}
			pos = r.End()
		}
		return copyZeros(cfg.Out, hdr.Size-pos)
	}
	_, err := io.CopyN(cfg.Out, tr, hdr.Size)
	return err
}

func copyZeros(w io.Writer, n int64) error {
	zeros := make([]byte, 32*1024)
	for n > 0 {
		chunk := int64(len(zeros))
		if chunk > n {
			chunk = n
		}
		if _, err := w.Write(zeros[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// materialize creates the filesystem node for one entry.
func materialize(cfg *Config, tr *tarfmt.Reader, hdr *tarfmt.Header, name string) error {
	path := filepath.FromSlash(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tarfmt.TypeDir:
		if err := os.MkdirAll(path, 0755); err != nil {
			return err
		}
		// Attributes are restored later, children first.
		return nil

	case tarfmt.TypeSymlink:
		if err := clearTarget(cfg, path, hdr); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, path); err != nil {
			return err
		}
		restoreOwner(cfg, path, hdr)
		restoreXattrs(cfg, path, hdr)
		if !cfg.Touch {
			if err := fsutil.SetMtime(path, hdr.ModTime, hdr.AccessTime); err != nil {
				cfg.warn("dtar: %v", err)
			}
		}
		return nil

	case tarfmt.TypeLink:
		if err := clearTarget(cfg, path, hdr); err != nil {
			return err
		}
		target := filepath.FromSlash(sanitizeName(hdr.Linkname, cfg.AbsoluteNames))
		if err := os.Link(target, path); err != nil {
			// The link target may live outside the extracted set; degrade
			// to a copy when it is at least present.
			cfg.warn("dtar: %s: cannot hard link to %s: %v; copying contents instead", path, target, err)
			return copyFile(target, path)
		}
		return nil

	case tarfmt.TypeChar, tarfmt.TypeBlock, tarfmt.TypeFifo:
		if err := clearTarget(cfg, path, hdr); err != nil {
			return err
		}
		mode := osMode(hdr.Mode)
		switch hdr.Typeflag {
		case tarfmt.TypeChar:
			mode |= os.ModeDevice | os.ModeCharDevice
		case tarfmt.TypeBlock:
			mode |= os.ModeDevice
		case tarfmt.TypeFifo:
			mode |= os.ModeNamedPipe
		}
		if err := fsutil.MkNod(path, mode, uint32(hdr.Devmajor), uint32(hdr.Devminor)); err != nil {
			cfg.warn("dtar: %v", err)
			return nil
		}
		restoreAttrs(cfg, path, hdr)
		return nil

	default: // regular files, and unknown types treated as regular
		if err := clearTarget(cfg, path, hdr); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, osMode(hdr.Mode).Perm()|0200)
		if err != nil {
			return err
		}
		if hdr.SparseMap != nil {
			err = sparse.Extract(f, tr, hdr.SparseMap, hdr.Size)
		} else {
			_, err = io.CopyN(f, tr, hdr.Size)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return xerrors.Errorf("extracting %s: %w", path, err)
		}
		restoreAttrs(cfg, path, hdr)
		return nil
	}
}

// clearTarget applies the overwrite policy to an existing file at path.
// A nil return means extraction may proceed.
func clearTarget(cfg *Config, path string, hdr *tarfmt.Header) error {
	info, err := fsutil.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	switch cfg.Overwrite {
	case KeepOld:
		return &OverwriteRefusedError{Path: path}
	case SkipOld:
		return errSkipEntry
	case KeepNewer:
		if !hdr.ModTime.After(info.ModTime) {
			cfg.Warnf("dtar: %s: file on disk is newer or same age; not extracted", path)
			return errSkipEntry
		}
	}
	// Overwrite and UnlinkFirst both remove the old node; plain overwrite
	// keeps regular files in place for O_TRUNC, everything else is
	// unlinked so the node type can change.
	if cfg.Overwrite == UnlinkFirst || !info.IsRegular() || hdr.Typeflag != tarfmt.TypeReg {
		if info.IsDir() {
			return nil // directories merge
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// restoreAttrs applies mode, ownership, times and attributes per the
// configuration. Failures are warnings, not errors.
func restoreAttrs(cfg *Config, path string, hdr *tarfmt.Header) {
	if cfg.PreservePerms {
		if err := os.Chmod(path, osMode(hdr.Mode)); err != nil {
			cfg.warn("dtar: %v", err)
		}
	} else if hdr.Typeflag != tarfmt.TypeDir {
		// Honor the stored permission bits through the umask default.
		if err := os.Chmod(path, osMode(hdr.Mode).Perm()); err != nil {
			cfg.warn("dtar: %v", err)
		}
	}
	restoreOwner(cfg, path, hdr)
	restoreXattrs(cfg, path, hdr)
	if !cfg.Touch {
		if err := fsutil.SetMtime(path, hdr.ModTime, hdr.AccessTime); err != nil {
			cfg.warn("dtar: %v", err)
		}
	}
}

// restoreOwner sets ownership when running as root, resolving names unless
// numeric-owner is in effect.
func restoreOwner(cfg *Config, path string, hdr *tarfmt.Header) {
	if os.Geteuid() != 0 {
		return
	}
	uid, gid := hdr.Uid, hdr.Gid
	if !cfg.NumericOwner {
		uid = userlookup.Uid(hdr.Uname, uid)
		gid = userlookup.Gid(hdr.Gname, gid)
	}
	if err := fsutil.Lchown(path, uid, gid); err != nil {
		cfg.warn("dtar: %v", err)
	}
}

func restoreXattrs(cfg *Config, path string, hdr *tarfmt.Header) {
	if !cfg.Xattrs && !cfg.Acls && !cfg.Selinux {
		return
	}
	for name, value := range hdr.Xattrs() {
		if err := xattrs.Set(path, name, value); err != nil {
			cfg.warn("dtar: %v", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// appendContinuation glues a multi-volume continuation entry onto the file
// it continues.
func appendContinuation(cfg *Config, tr *tarfmt.Reader, name string, hdr *tarfmt.Header) error {
	path := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	_, err = io.CopyN(f, tr, hdr.Size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
