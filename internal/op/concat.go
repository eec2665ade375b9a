package op

import (
	"context"
	"io"
	"os"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/tarfmt"
	"golang.org/x/xerrors"
)

// Concatenate appends the entries of the source archives onto the target
// archive, copying headers and payloads verbatim. The target's trailing
// zero blocks are found by streaming forward to the first zero block, never
// by probing the file tail: a malformed tail must not misplace the write
// pointer.
func Concatenate(ctx context.Context, cfg *Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	if len(cfg.Files) == 0 {
		return xerrors.New("dtar: no source archives to concatenate")
	}
	target, err := openInPlace(cfg.Archive)
	if err != nil {
		return err
	}
	defer target.Close()

	sc, err := tarfmt.NewScanner(target)
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
	pos := sc.TerminatorOffset()
	if _, err := target.Seek(pos, io.SeekStart); err != nil {
		return err
	}

	for _, src := range cfg.Files {
		if err := cancelled(ctx); err != nil {
			return err
		}
		n, err := copyArchive(ctx, cfg, target, src)
		pos += n
		if err != nil {
			return err
		}
	}

	zeros := make([]byte, 2*tarfmt.BlockSize)
	if _, err := target.Write(zeros); err != nil {
		return err
	}
	pos += int64(len(zeros))
	recordSize := int64(cfg.BlockingFactor) * tarfmt.BlockSize
	if rem := pos % recordSize; rem != 0 {
		if _, err := target.Write(make([]byte, recordSize-rem)); err != nil {
			return err
		}
		pos += recordSize - rem
	}
	return target.Truncate(pos)
}

// copyArchive copies every span of the source archive verbatim. Sources
// are opened read-only; only the target is edited.
func copyArchive(ctx context.Context, cfg *Config, target io.Writer, src string) (int64, error) {
	comp, err := blockio.Detect(src)
	if err != nil {
		return 0, err
	}
	if comp != blockio.None {
		return 0, xerrors.Errorf("%s is %s-compressed: %w", src, comp, blockio.ErrNotSeekable)
	}
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc, err := tarfmt.NewScanner(f)
	if err != nil {
		return 0, err
	}
	var written int64
	for {
		if err := cancelled(ctx); err != nil {
			return written, err
		}
		span, err := sc.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, xerrors.Errorf("scanning %s: %w", src, err)
		}
		if cfg.Verbosity >= Verbose {
			io.WriteString(cfg.Out, span.Hdr.Name+"\n")
		}
		n, err := io.Copy(target, io.NewSectionReader(f, span.Start, span.End-span.Start))
		written += n
		if err != nil {
			return written, err
		}
	}
}
