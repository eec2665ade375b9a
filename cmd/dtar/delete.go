package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const deleteHelp = `dtar delete -f <archive> [-flags] <member>...

Remove the named members from an uncompressed archive. A member name
matches exactly or as a directory prefix; the archive is rewritten to a
temporary file and atomically replaced, so failures never corrupt it.

Example:
  % dtar delete -f backup.tar d/stale.log
`

func deletecmd(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("delete", flag.ExitOnError)
	fset.Usage = usage(fset, deleteHelp)
	c := registerCommon(fset)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	return op.Delete(ctx, cfg)
}
