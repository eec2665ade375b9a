package main

import (
	"flag"
	"strings"
	"time"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/op"
	"github.com/distr1/dtar/internal/tarfmt"
	"golang.org/x/xerrors"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

// commonFlags registers the options every verb understands and returns a
// builder that folds the parsed values into an op.Config.
type commonFlags struct {
	archive     *string
	directory   *string
	compression *string
	format      *string
	verbose     *bool
	veryVerbose *bool
	quiet       *bool
	excludes    stringList
	transforms  stringList
	filesFrom   *string
	excludeFrom *string
	null        *bool
	absolute    *bool
	numeric     *bool
	ignoreZeros *bool
	blocking    *uint
	checkpoint  *uint
}

func registerCommon(fset *flag.FlagSet) *commonFlags {
	c := &commonFlags{
		archive:     fset.String("f", "", "archive file (\"-\" for stdin/stdout)"),
		directory:   fset.String("C", "", "change to this directory before operating"),
		compression: fset.String("compression", "auto", "compression: none, gzip, bzip2, xz, zstd or auto"),
		format:      fset.String("format", "gnu", "archive format: v7, ustar, oldgnu, gnu or pax"),
		verbose:     fset.Bool("v", false, "verbose output"),
		veryVerbose: fset.Bool("vv", false, "very verbose output"),
		quiet:       fset.Bool("q", false, "suppress normal output"),
		filesFrom:   fset.String("files-from", "", "read member names from this file"),
		excludeFrom: fset.String("exclude-from", "", "read exclude patterns from this file"),
		null:        fset.Bool("null", false, "list files are NUL-terminated"),
		absolute:    fset.Bool("absolute-names", false, "do not strip leading slashes from names"),
		numeric:     fset.Bool("numeric-owner", false, "use numeric uid/gid, never names"),
		ignoreZeros: fset.Bool("ignore-zeros", false, "skip zero blocks inside the archive"),
		blocking:    fset.Uint("b", 20, "record blocking factor"),
		checkpoint:  fset.Uint("checkpoint", 0, "report progress every N records"),
	}
	fset.Var(&c.excludes, "exclude", "exclude members matching this pattern (repeatable)")
	fset.Var(&c.transforms, "transform", "member name substitution s/old/new/ (repeatable)")
	return c
}

func (c *commonFlags) config(args []string) (*op.Config, error) {
	comp, err := blockio.ParseCompression(*c.compression)
	if err != nil {
		return nil, err
	}
	format, err := tarfmt.ParseFormat(*c.format)
	if err != nil {
		return nil, err
	}
	verbosity := op.Normal
	switch {
	case *c.quiet:
		verbosity = op.Quiet
	case *c.veryVerbose:
		verbosity = op.VeryVerbose
	case *c.verbose:
		verbosity = op.Verbose
	}
	return &op.Config{
		Archive:        *c.archive,
		Files:          args,
		Directory:      *c.directory,
		Compression:    comp,
		Format:         format,
		Verbosity:      verbosity,
		Excludes:       c.excludes,
		Transforms:     c.transforms,
		FilesFrom:      *c.filesFrom,
		ExcludeFrom:    *c.excludeFrom,
		NullTerminated: *c.null,
		AbsoluteNames:  *c.absolute,
		NumericOwner:   *c.numeric,
		IgnoreZeros:    *c.ignoreZeros,
		BlockingFactor: uint32(*c.blocking),
		Checkpoint:     uint32(*c.checkpoint),
	}, nil
}

func parseNewerMtime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, xerrors.Errorf("cannot parse time %q", s)
}
