package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const diffHelp = `dtar diff -f <archive> [-flags] [<member>...]

Compare archive members against the filesystem and report every mismatch:
type, size, content, mode, modification time and link targets. Exits 1 when
differences were found.

Example:
  % dtar diff -f backup.tar
`

func diffcmd(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("diff", flag.ExitOnError)
	fset.Usage = usage(fset, diffHelp)
	c := registerCommon(fset)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	return op.Diff(ctx, cfg)
}
