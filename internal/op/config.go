// Package op is the operation engine: it composes the format codec, the
// block transport and the filesystem adapters into the archiver's
// create/list/extract/append/update/delete/diff/concatenate workflows.
package op

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/tarfmt"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"
)

// ErrDifferences reports that diff (or the post-create verify pass) found
// the archive and the filesystem disagreeing. It maps to exit status 1.
var ErrDifferences = xerrors.New("dtar: differences found")

// ErrPartial reports that an operation completed but some non-fatal steps
// failed (attribute restore, hard-link creation). It maps to exit status 1.
var ErrPartial = xerrors.New("dtar: exiting with failure status due to previous errors")

// OverwriteRefusedError is returned under keep-old-files when an extraction
// target already exists.
type OverwriteRefusedError struct {
	Path string
}

func (e *OverwriteRefusedError) Error() string {
	return "dtar: " + e.Path + ": file exists, not overwriting"
}

type Verbosity int

const (
	Quiet Verbosity = iota
	Normal
	Verbose
	VeryVerbose
)

// OverwriteMode is the extract-side decision table on existing targets.
type OverwriteMode int

const (
	Overwrite OverwriteMode = iota
	KeepOld
	KeepNewer
	SkipOld
	UnlinkFirst
)

// Config is the option bundle every operation consumes. The zero value plus
// an archive path is a working configuration.
type Config struct {
	Archive   string // "-" means stdin/stdout
	Files     []string
	Directory string // chdir before operating

	Compression blockio.Compression
	Format      tarfmt.Format

	Verbosity       Verbosity
	StripComponents uint32
	PreservePerms   bool
	Dereference     bool
	Overwrite       OverwriteMode
	ToStdout        bool

	Excludes       []string
	FilesFrom      string
	ExcludeFrom    string
	NullTerminated bool
	AbsoluteNames  bool

	Touch        bool
	NumericOwner bool
	IgnoreZeros  bool
	Sparse       bool
	Transforms   []string

	BlockingFactor uint32 // records per tape block, default 20

	OneFileSystem bool
	NewerMtime    *time.Time
	RemoveFiles   bool
	Verify        bool
	Checkpoint    uint32

	ListedIncremental string

	MultiVolume bool
	TapeLength  int64

	Xattrs  bool
	Acls    bool
	Selinux bool

	// Out receives listings and to-stdout payloads; Warnf receives
	// non-fatal diagnostics. Both default to the usual places.
	Out   io.Writer
	Warnf func(format string, v ...interface{})

	records int64 // processed entries, drives checkpoints
	partial bool  // non-fatal failures seen
}

// normalize fills defaults and applies the working-directory change.
func (cfg *Config) normalize() error {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Warnf == nil {
		cfg.Warnf = log.Printf
	}
	if cfg.BlockingFactor == 0 {
		cfg.BlockingFactor = 20
	}
	if cfg.Format == tarfmt.FormatUnknown {
		cfg.Format = tarfmt.FormatGNU
	}
	if cfg.Archive == "" {
		return xerrors.New("dtar: no archive specified")
	}
	if cfg.FilesFrom != "" {
		names, err := readNameList(cfg.FilesFrom, cfg.NullTerminated)
		if err != nil {
			return err
		}
		cfg.Files = append(cfg.Files, names...)
	}
	if cfg.ExcludeFrom != "" {
		patterns, err := readNameList(cfg.ExcludeFrom, cfg.NullTerminated)
		if err != nil {
			return err
		}
		cfg.Excludes = append(cfg.Excludes, patterns...)
	}
	if cfg.Directory != "" {
		if err := os.Chdir(cfg.Directory); err != nil {
			return err
		}
	}
	return nil
}

// warn reports a non-fatal problem and remembers that one occurred.
func (cfg *Config) warn(format string, v ...interface{}) {
	cfg.partial = true
	cfg.Warnf(format, v...)
}

// finish maps the accumulated non-fatal failures onto the final error.
func (cfg *Config) finish(err error) error {
	if err != nil {
		return err
	}
	if cfg.partial {
		return ErrPartial
	}
	return nil
}

// checkpoint emits a progress line every N records when enabled. The output
// is suppressed on non-terminals so piped stderr stays clean.
func (cfg *Config) checkpoint() {
	cfg.records++
	if cfg.Checkpoint == 0 || cfg.records%int64(cfg.Checkpoint) != 0 {
		return
	}
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return
	}
	log.Printf("dtar: checkpoint record %d", cfg.records)
}

// cancelled polls the context between logical entries.
func cancelled(ctx interface{ Err() error }) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Errorf("dtar: cancelled: %w", err)
	}
	return nil
}

// readNameList reads a newline- or NUL-separated list file.
func readNameList(path string, nullTerminated bool) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sep := byte('\n')
	if nullTerminated {
		sep = 0
	}
	var names []string
	start := 0
	for i, c := range b {
		if c == sep {
			if i > start {
				names = append(names, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		names = append(names, string(b[start:]))
	}
	return names, nil
}
