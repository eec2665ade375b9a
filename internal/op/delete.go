package op

import (
	"context"
	"io"
	"strings"

	"github.com/distr1/dtar"
	"github.com/distr1/dtar/internal/tarfmt"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Delete stream-copies the archive to a temporary file, dropping every
// entry that matches one of the patterns, and atomically replaces the
// original. On any failure the original archive is left untouched.
func Delete(ctx context.Context, cfg *Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	if len(cfg.Files) == 0 {
		return xerrors.New("dtar: no members named for deletion")
	}
	f, err := openInPlace(cfg.Archive)
	if err != nil {
		return err
	}
	defer f.Close()

	t, err := renameio.TempFile("", cfg.Archive)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	dtar.RegisterAtExit(func() error {
		t.Cleanup() // no-op once the replace has happened
		return nil
	})

	sc, err := tarfmt.NewScanner(f)
	if err != nil {
		return err
	}
	var spans []tarfmt.Span
	deleted := false
	for {
		if err := cancelled(ctx); err != nil {
			return err
		}
		span, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return xerrors.Errorf("scanning %s: %w", cfg.Archive, err)
		}
		if matchesDeletePattern(cfg.Files, span.Hdr.Name) {
			deleted = true
			if cfg.Verbosity >= Verbose {
				io.WriteString(cfg.Out, span.Hdr.Name+"\n")
			}
			continue
		}
		spans = append(spans, *span)
	}
	if !deleted {
		cfg.Warnf("dtar: no archive members matched; archive unchanged")
		return nil
	}

	// Copy the surviving spans verbatim: their bytes, pre-entries
	// included, are bit-identical in the result.
	var written int64
	for _, span := range spans {
		n, err := io.Copy(t, io.NewSectionReader(f, span.Start, span.End-span.Start))
		written += n
		if err != nil {
			return err
		}
	}
	zeros := make([]byte, 2*tarfmt.BlockSize)
	if _, err := t.Write(zeros); err != nil {
		return err
	}
	written += int64(len(zeros))
	recordSize := int64(cfg.BlockingFactor) * tarfmt.BlockSize
	if rem := written % recordSize; rem != 0 {
		if _, err := t.Write(make([]byte, recordSize-rem)); err != nil {
			return err
		}
	}
	return t.CloseAtomicallyReplace()
}

// matchesDeletePattern implements the delete matcher: exact member name,
// directory prefix with '/', or a trailing-slash directory pattern. This is
// deliberately not shell globbing.
func matchesDeletePattern(patterns []string, name string) bool {
	trimmedName := strings.TrimSuffix(name, "/")
	for _, p := range patterns {
		trimmed := strings.TrimSuffix(p, "/")
		if name == p || trimmedName == trimmed {
			return true
		}
		if strings.HasPrefix(name, trimmed+"/") {
			return true
		}
	}
	return false
}
