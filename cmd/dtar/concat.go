package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const concatHelp = `dtar concat -f <target-archive> [-flags] <source-archive>...

Splice the source archives onto the target archive, copying entries
verbatim. All archives must be uncompressed.

Example:
  % dtar concat -f all.tar part1.tar part2.tar
`

func concat(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("concat", flag.ExitOnError)
	fset.Usage = usage(fset, concatHelp)
	c := registerCommon(fset)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	return op.Concatenate(ctx, cfg)
}
