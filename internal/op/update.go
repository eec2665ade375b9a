package op

import (
	"context"
	"io"

	"github.com/distr1/dtar/internal/fsutil"
	"github.com/distr1/dtar/internal/tarfmt"
	"golang.org/x/xerrors"
)

// Update appends only those inputs that are missing from the archive or
// newer than their archived copy. Directories always pass the filter so
// their contents are visited.
func Update(ctx context.Context, cfg *Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	f, err := openInPlace(cfg.Archive)
	if err != nil {
		return err
	}
	archived := make(map[string]int64) // member name → stored mtime seconds
	sc, err := tarfmt.NewScanner(f)
	if err != nil {
		f.Close()
		return err
	}
	for {
		span, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return xerrors.Errorf("scanning %s: %w", cfg.Archive, err)
		}
		archived[span.Hdr.Name] = span.Hdr.ModTime.Unix()
	}
	f.Close()

	rules, err := parseTransforms(cfg.Transforms)
	if err != nil {
		return err
	}
	include := func(path string, info *fsutil.Info) bool {
		name := applyTransforms(rules, sanitizeName(path, cfg.AbsoluteNames))
		stored, ok := archived[name]
		if !ok {
			return true
		}
		// The archive stores whole seconds; comparing the disk mtime at
		// nanosecond precision would re-add files forever on filesystems
		// with sub-second timestamps.
		return info.ModTime.Unix() > stored
	}
	return appendPaths(ctx, cfg, include)
}
