package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const appendHelp = `dtar append -f <archive> [-flags] <path>...

Add the named paths to the end of an existing uncompressed archive. The
bytes of existing entries are left untouched.

Example:
  % dtar append -f backup.tar notes.txt
`

func appendcmd(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("append", flag.ExitOnError)
	fset.Usage = usage(fset, appendHelp)
	c := registerCommon(fset)
	var (
		dereference = fset.Bool("dereference", false, "archive what symlinks point at")
		sparseFiles = fset.Bool("S", false, "handle sparse files efficiently")
		removeFiles = fset.Bool("remove-files", false, "remove inputs after archiving them")
	)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	cfg.Dereference = *dereference
	cfg.Sparse = *sparseFiles
	cfg.RemoveFiles = *removeFiles
	return op.Append(ctx, cfg)
}
