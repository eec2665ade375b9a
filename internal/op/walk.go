package op

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/distr1/dtar/internal/fsutil"
	"github.com/distr1/dtar/internal/sparse"
	"github.com/distr1/dtar/internal/tarfmt"
	"github.com/distr1/dtar/internal/userlookup"
	"github.com/distr1/dtar/internal/xattrs"
	"golang.org/x/xerrors"
)

type devino struct {
	dev uint64
	ino uint64
}

// archiver carries the state of one create/append/update pass: the entry
// writer, the name rules and the hard-link table.
type archiver struct {
	cfg   *Config
	tw    *tarfmt.Writer
	rules []transformRule

	// seen maps inodes to the archive path of their first occurrence, so
	// later links become type-'1' entries referring back to it.
	seen map[devino]string

	rootDev uint64
	snap    *snapshot

	// include decides per file whether to archive it; update installs its
	// mtime filter here. A nil include admits everything.
	include func(path string, info *fsutil.Info) bool

	// emitted records archived paths for --remove-files.
	emitted []string
}

func newArchiver(cfg *Config, tw *tarfmt.Writer) (*archiver, error) {
	rules, err := parseTransforms(cfg.Transforms)
	if err != nil {
		return nil, err
	}
	return &archiver{
		cfg:   cfg,
		tw:    tw,
		rules: rules,
		seen:  make(map[devino]string),
	}, nil
}

// addPath archives path, recursing depth-first into directories.
func (a *archiver) addPath(ctx context.Context, path string) error {
	info, err := a.stat(path)
	if err != nil {
		return err
	}
	a.rootDev = info.Dev
	return a.walk(ctx, path, info)
}

func (a *archiver) stat(path string) (*fsutil.Info, error) {
	if a.cfg.Dereference {
		return fsutil.Stat(path)
	}
	return fsutil.Lstat(path)
}

func (a *archiver) walk(ctx context.Context, path string, info *fsutil.Info) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	if excluded(a.cfg.Excludes, filepath.ToSlash(path)) {
		return nil
	}
	if a.cfg.OneFileSystem && info.Dev != a.rootDev {
		a.cfg.Warnf("dtar: %s: file is on a different filesystem; not dumped", path)
		return nil
	}
	if !info.IsDir() {
		if t := a.cfg.NewerMtime; t != nil && !info.ModTime.After(*t) {
			return nil
		}
		if a.include != nil && !a.include(path, info) {
			return nil
		}
		if a.snap != nil && !a.snap.changed(path, info) {
			a.snap.record(path, info)
			return nil
		}
	}
	if err := a.addEntry(ctx, path, info); err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(path) // sorted by name
	if err != nil {
		a.cfg.warn("dtar: %s: cannot read directory: %v", path, err)
		return nil
	}
	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		cinfo, err := a.stat(child)
		if err != nil {
			a.cfg.warn("dtar: %v", err)
			continue
		}
		if err := a.walk(ctx, child, cinfo); err != nil {
			return err
		}
	}
	return nil
}

// addEntry emits one archive entry for path.
func (a *archiver) addEntry(ctx context.Context, path string, info *fsutil.Info) error {
	name := a.storedName(path, info)
	if name == "" {
		return nil
	}
	hdr, err := a.headerFor(name, path, info)
	if err != nil {
		a.cfg.warn("dtar: %s: %v", path, err)
		return nil
	}
	if hdr == nil {
		return nil // unsupported node kind, already warned
	}
	if a.cfg.Verbosity >= Verbose {
		io.WriteString(a.cfg.Out, hdr.Name+"\n")
	}

	// Hard-link bookkeeping: the first occurrence carries the data.
	if !info.IsDir() && info.Nlink > 1 {
		key := devino{info.Dev, info.Ino}
		if first, ok := a.seen[key]; ok {
			hdr.Typeflag = tarfmt.TypeLink
			hdr.Linkname = first
			hdr.Size = 0
			hdr.SparseMap = nil
		} else {
			a.seen[key] = hdr.Name
		}
	}

	var f *os.File
	if hdr.Typeflag == tarfmt.TypeReg && hdr.Size > 0 {
		f, err = os.Open(path)
		if err != nil {
			a.cfg.warn("dtar: %v", err)
			return nil
		}
		defer f.Close()
		if a.cfg.Sparse && a.tw.Format() != tarfmt.FormatV7 && a.tw.Format() != tarfmt.FormatUSTAR {
			regions, err := sparse.Detect(f, hdr.Size)
			if err != nil {
				return xerrors.Errorf("sparse detection on %s: %w", path, err)
			}
			if sparse.Worthy(regions, hdr.Size) {
				hdr.SparseMap = regions
			}
		}
	}

	if err := a.tw.WriteHeader(hdr); err != nil {
		return xerrors.Errorf("writing header for %s: %w", path, err)
	}
	if f != nil {
		if hdr.SparseMap != nil {
			if _, err := sparse.WriteData(a.tw, f, hdr.SparseMap); err != nil {
				return xerrors.Errorf("archiving %s: %w", path, err)
			}
		} else {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if _, err := io.CopyN(a.tw, f, hdr.Size); err != nil {
				return xerrors.Errorf("archiving %s: %w", path, err)
			}
		}
	}

	if a.snap != nil && !info.IsDir() {
		a.snap.record(path, info)
	}
	a.emitted = append(a.emitted, path)
	a.cfg.checkpoint()
	return nil
}

// storedName maps a filesystem path to the archive member name: transforms,
// absolute-name stripping, the directory slash convention.
func (a *archiver) storedName(path string, info *fsutil.Info) string {
	name := filepath.ToSlash(path)
	name = sanitizeName(name, a.cfg.AbsoluteNames)
	name = applyTransforms(a.rules, name)
	if name == "" || name == "." {
		return ""
	}
	if info.IsDir() && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return name
}

// headerFor builds the entry header for one stat result. A nil header with
// nil error means the node kind cannot be archived.
func (a *archiver) headerFor(name, path string, info *fsutil.Info) (*tarfmt.Header, error) {
	hdr := &tarfmt.Header{
		Name:    name,
		Mode:    tarMode(info.Mode),
		Uid:     int(info.Uid),
		Gid:     int(info.Gid),
		ModTime: info.ModTime,
	}
	if !a.cfg.NumericOwner {
		hdr.Uname = userlookup.Uname(int(info.Uid))
		hdr.Gname = userlookup.Gname(int(info.Gid))
	}

	switch {
	case info.IsDir():
		hdr.Typeflag = tarfmt.TypeDir
	case info.IsSymlink():
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		hdr.Typeflag = tarfmt.TypeSymlink
		hdr.Linkname = target
	case info.Mode&os.ModeCharDevice != 0:
		hdr.Typeflag = tarfmt.TypeChar
		hdr.Devmajor = int64(info.Major)
		hdr.Devminor = int64(info.Minor)
	case info.Mode&os.ModeDevice != 0:
		hdr.Typeflag = tarfmt.TypeBlock
		hdr.Devmajor = int64(info.Major)
		hdr.Devminor = int64(info.Minor)
	case info.Mode&os.ModeNamedPipe != 0:
		hdr.Typeflag = tarfmt.TypeFifo
	case info.Mode&os.ModeSocket != 0:
		a.cfg.Warnf("dtar: %s: socket ignored", path)
		return nil, nil
	case info.IsRegular():
		hdr.Typeflag = tarfmt.TypeReg
		hdr.Size = info.Size
	default:
		a.cfg.Warnf("dtar: %s: unknown file type %v ignored", path, info.Mode)
		return nil, nil
	}

	if err := a.attachXattrs(hdr, path); err != nil {
		a.cfg.warn("dtar: %s: reading extended attributes: %v", path, err)
	}
	return hdr, nil
}

// attachXattrs loads the requested attribute namespaces into PAX records.
func (a *archiver) attachXattrs(hdr *tarfmt.Header, path string) error {
	if !a.cfg.Xattrs && !a.cfg.Acls && !a.cfg.Selinux {
		return nil
	}
	attrs, err := xattrs.List(path)
	if err != nil {
		return err
	}
	for name, value := range attrs {
		if !a.wantXattr(name) {
			continue
		}
		if hdr.PAXRecords == nil {
			hdr.PAXRecords = make(map[string]string)
		}
		hdr.PAXRecords["SCHILY.xattr."+name] = value
	}
	return nil
}

func (a *archiver) wantXattr(name string) bool {
	switch {
	case name == "security.selinux":
		return a.cfg.Selinux || a.cfg.Xattrs
	case strings.HasPrefix(name, "system.posix_acl_"):
		return a.cfg.Acls || a.cfg.Xattrs
	}
	return a.cfg.Xattrs
}

// removeArchived deletes the inputs after a successful create or append:
// files first, then the directories that emptied out, deepest first.
func (a *archiver) removeArchived() {
	var dirs []string
	for _, path := range a.emitted {
		info, err := fsutil.Lstat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			continue
		}
		if err := os.Remove(path); err != nil {
			a.cfg.warn("dtar: %v", err)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		if err := os.Remove(dir); err != nil {
			a.cfg.warn("dtar: %s: not removed: %v", dir, err)
		}
	}
}
