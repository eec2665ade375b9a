package op

import (
	"context"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/tarfmt"
	"golang.org/x/xerrors"
)

// Create archives the configured input paths into a fresh archive,
// compressing per the configuration or the archive's extension.
func Create(ctx context.Context, cfg *Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	if len(cfg.Files) == 0 {
		return xerrors.New("dtar: refusing to create an empty archive")
	}
	if cfg.TapeLength > 0 || cfg.MultiVolume {
		return xerrors.New("dtar: multi-volume archives can be read but not created")
	}

	bw, err := blockio.CreateWriter(ctx, cfg.Archive, cfg.Compression)
	if err != nil {
		return err
	}
	tw := tarfmt.NewWriter(bw, cfg.Format)

	a, err := newArchiver(cfg, tw)
	if err != nil {
		bw.Abort()
		return err
	}
	if cfg.ListedIncremental != "" {
		a.snap, err = loadSnapshot(cfg.ListedIncremental)
		if err != nil {
			bw.Abort()
			return err
		}
	}

	for _, path := range cfg.Files {
		if err := a.addPath(ctx, path); err != nil {
			bw.Abort()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		bw.Abort()
		return err
	}
	if err := padBlocking(bw, cfg.BlockingFactor); err != nil {
		bw.Abort()
		return err
	}
	if err := bw.Finish(); err != nil {
		return err
	}

	if a.snap != nil {
		if err := a.snap.save(); err != nil {
			return err
		}
	}
	if cfg.Verify {
		if err := verifyArchive(ctx, cfg); err != nil {
			return err
		}
	}
	if cfg.RemoveFiles {
		a.removeArchived()
	}
	return cfg.finish(nil)
}

// padBlocking zero-fills the archive tail up to a multiple of the record
// blocking factor, the way tape blocking expects.
func padBlocking(bw *blockio.Writer, factor uint32) error {
	recordSize := int64(factor) * tarfmt.BlockSize
	rem := bw.Count() % recordSize
	if rem == 0 {
		return nil
	}
	zeros := make([]byte, recordSize-rem)
	_, err := bw.Write(zeros)
	return err
}

// verifyArchive re-reads a just-written archive and compares it against the
// filesystem, like diff but driven from create.
func verifyArchive(ctx context.Context, cfg *Config) error {
	vcfg := *cfg
	vcfg.Verbosity = Quiet
	vcfg.Verify = false
	vcfg.Directory = ""                    // the chdir already happened
	vcfg.FilesFrom, vcfg.ExcludeFrom = "", "" // lists are already folded in
	vcfg.records = 0
	vcfg.partial = false
	return Diff(ctx, &vcfg)
}
