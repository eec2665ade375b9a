package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const listHelp = `dtar list -f <archive> [-flags] [<member>...]

Enumerate archive members. With -v, print an ls -l style line per member.

Example:
  % dtar list -f backup.tar.gz -v
`

func list(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	fset.Usage = usage(fset, listHelp)
	c := registerCommon(fset)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	return op.List(ctx, cfg)
}
