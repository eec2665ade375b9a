package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const updateHelp = `dtar update -f <archive> [-flags] <path>...

Append the named paths only when they are missing from the archive or newer
than their archived copy. Directories are always descended into.

Example:
  % dtar update -f backup.tar ~/distri
`

func update(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("update", flag.ExitOnError)
	fset.Usage = usage(fset, updateHelp)
	c := registerCommon(fset)
	var (
		dereference = fset.Bool("dereference", false, "archive what symlinks point at")
		sparseFiles = fset.Bool("S", false, "handle sparse files efficiently")
	)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	cfg.Dereference = *dereference
	cfg.Sparse = *sparseFiles
	return op.Update(ctx, cfg)
}
