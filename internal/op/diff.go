package op

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/fsutil"
	"github.com/distr1/dtar/internal/tarfmt"
	"golang.org/x/exp/mmap"
)

// Diff compares the archive against the filesystem and reports every
// mismatch. It returns ErrDifferences when any were found.
func Diff(ctx context.Context, cfg *Config) error {
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

	differs := false
	report := func(name, format string, v ...interface{}) {
		differs = true
		fmt.Fprintf(cfg.Out, "%s: %s\n", name, fmt.Sprintf(format, v...))
	}

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
		if name == "" || excluded(cfg.Excludes, name) || !matchesFileList(cfg.Files, name) {
			continue
		}
		diffEntry(cfg, tr, hdr, filepath.FromSlash(name), report)
		cfg.checkpoint()
	}
	if differs {
		return ErrDifferences
	}
	return cfg.finish(nil)
}

func diffEntry(cfg *Config, tr *tarfmt.Reader, hdr *tarfmt.Header, path string, report func(string, string, ...interface{})) {
	info, err := fsutil.Lstat(path)
	if err != nil {
		report(path, "%v", err)
		return
	}

	switch hdr.Typeflag {
	case tarfmt.TypeDir:
		if !info.IsDir() {
			report(path, "is not a directory")
		}
	case tarfmt.TypeSymlink:
		if !info.IsSymlink() {
			report(path, "is not a symlink")
			return
		}
		target, err := os.Readlink(path)
		if err != nil {
			report(path, "%v", err)
			return
		}
		if target != hdr.Linkname {
			report(path, "symlink differs: %s, expected %s", target, hdr.Linkname)
		}
		return // symlink modes are meaningless
	case tarfmt.TypeChar, tarfmt.TypeBlock:
		if info.Mode&os.ModeDevice == 0 {
			report(path, "is not a device node")
		} else if int64(info.Major) != hdr.Devmajor || int64(info.Minor) != hdr.Devminor {
			report(path, "device numbers differ")
		}
	case tarfmt.TypeFifo:
		if info.Mode&os.ModeNamedPipe == 0 {
			report(path, "is not a fifo")
		}
	case tarfmt.TypeLink:
		linked, err := fsutil.Lstat(filepath.FromSlash(hdr.Linkname))
		if err != nil {
			report(path, "%v", err)
		} else if !fsutil.SameFile(info, linked) {
			report(path, "not linked to %s", hdr.Linkname)
		}
		return
	default: // regular
		if !info.IsRegular() {
			report(path, "is not a regular file")
			return
		}
		if info.Size != hdr.Size {
			report(path, "size differs: %d, expected %d", info.Size, hdr.Size)
			return
		}
		if !diffContents(cfg, tr, hdr, path) {
			report(path, "contents differ")
		}
	}

	if hdr.Typeflag != tarfmt.TypeSymlink && tarMode(info.Mode) != hdr.Mode&07777 {
		report(path, "mode differs: %o, expected %o", tarMode(info.Mode), hdr.Mode&07777)
	}
	if info.ModTime.Unix() != hdr.ModTime.Unix() {
		report(path, "mod time differs")
	}
}

// diffContents byte-compares the archived payload with the file, reading
// the file side through a memory map when the host allows it.
func diffContents(cfg *Config, tr *tarfmt.Reader, hdr *tarfmt.Header, path string) bool {
	var at io.ReaderAt
	if m, err := mmap.Open(path); err == nil {
		defer m.Close()
		at = m
	} else {
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		defer f.Close()
		at = f
	}

	regions := hdr.SparseMap
	if regions == nil {
		regions = []tarfmt.Region{{Offset: 0, Length: hdr.Size}}
	}
	want := make([]byte, 64*1024)
	got := make([]byte, 64*1024)
	for _, reg := range regions {
		off := reg.Offset
		left := reg.Length
		for left > 0 {
			n := int64(len(want))
			if n > left {
				n = left
			}
			if _, err := io.ReadFull(tr, want[:n]); err != nil {
				return false
			}
			if _, err := at.ReadAt(got[:n], off); err != nil {
				return false
			}
			if !bytes.Equal(want[:n], got[:n]) {
				return false
			}
			off += n
			left -= n
		}
	}
	return true
}
