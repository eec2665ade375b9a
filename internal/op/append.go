package op

import (
	"context"
	"io"
	"os"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/fsutil"
	"github.com/distr1/dtar/internal/tarfmt"
	"golang.org/x/xerrors"
)

// Append adds the configured inputs to the end of an existing uncompressed
// archive, overwriting its end-of-archive marker. The bytes of prior
// entries are never touched.
func Append(ctx context.Context, cfg *Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	return appendPaths(ctx, cfg, nil)
}

// appendPaths is the engine shared by append and update: update narrows the
// walk with an include filter, plain append admits everything.
func appendPaths(ctx context.Context, cfg *Config, include func(string, *fsutil.Info) bool) error {
	if len(cfg.Files) == 0 {
		return xerrors.New("dtar: nothing to append")
	}
	f, err := openInPlace(cfg.Archive)
	if err != nil {
		return err
	}
	defer f.Close()

	// Walk the existing entries to find the terminator; new entries start
	// exactly there.
	sc, err := tarfmt.NewScanner(f)
	if err != nil {
		return err
	}
	for {
		if _, err := sc.Next(); err == io.EOF {
			break
		} else if err != nil {
			return xerrors.Errorf("scanning %s: %w", cfg.Archive, err)
		}
	}
	if _, err := f.Seek(sc.TerminatorOffset(), io.SeekStart); err != nil {
		return err
	}

	tw := tarfmt.NewWriter(f, cfg.Format)
	a, err := newArchiver(cfg, tw)
	if err != nil {
		return err
	}
	a.include = include
	for _, path := range cfg.Files {
		if err := a.addPath(ctx, path); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	// Re-pad to the record blocking factor and drop whatever tail the old
	// archive had beyond the new marker.
	end, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	recordSize := int64(cfg.BlockingFactor) * tarfmt.BlockSize
	if rem := end % recordSize; rem != 0 {
		if _, err := f.Write(make([]byte, recordSize-rem)); err != nil {
			return err
		}
		end += recordSize - rem
	}
	if err := f.Truncate(end); err != nil {
		return err
	}
	if cfg.RemoveFiles {
		a.removeArchived()
	}
	return cfg.finish(nil)
}

// openInPlace opens an archive for seek-based editing, refusing compressed
// archives: a compressor is not seekable.
func openInPlace(path string) (*os.File, error) {
	if path == "-" {
		return nil, blockio.ErrNotSeekable
	}
	comp, err := blockio.Detect(path)
	if err != nil {
		return nil, err
	}
	if comp != blockio.None {
		return nil, xerrors.Errorf("%s is %s-compressed: %w", path, comp, blockio.ErrNotSeekable)
	}
	return os.OpenFile(path, os.O_RDWR, 0)
}
