package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const createHelp = `dtar create -f <archive> [-flags] <path>...

Archive the named paths into a new archive, recursing into directories.
Compression is chosen by the archive's extension unless -compression names
one explicitly.

Example:
  % dtar create -f backup.tar.gz -v ~/distri
`

func create(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	fset.Usage = usage(fset, createHelp)
	c := registerCommon(fset)
	var (
		dereference = fset.Bool("dereference", false, "archive what symlinks point at")
		oneFS       = fset.Bool("one-file-system", false, "stay on the starting filesystem")
		sparseFiles = fset.Bool("S", false, "handle sparse files efficiently")
		newer       = fset.String("newer-mtime", "", "only archive files modified after this time")
		removeFiles = fset.Bool("remove-files", false, "remove inputs after archiving them")
		verify      = fset.Bool("W", false, "verify the archive after writing it")
		incremental = fset.String("listed-incremental", "", "snapshot file for incremental archiving")
		xattrFlag   = fset.Bool("xattrs", false, "archive extended attributes")
		aclFlag     = fset.Bool("acls", false, "archive POSIX ACLs")
		selinuxFlag = fset.Bool("selinux", false, "archive SELinux contexts")
	)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	cfg.Dereference = *dereference
	cfg.OneFileSystem = *oneFS
	cfg.Sparse = *sparseFiles
	cfg.RemoveFiles = *removeFiles
	cfg.Verify = *verify
	cfg.ListedIncremental = *incremental
	cfg.Xattrs = *xattrFlag
	cfg.Acls = *aclFlag
	cfg.Selinux = *selinuxFlag
	cfg.NewerMtime, err = parseNewerMtime(*newer)
	if err != nil {
		return err
	}
	return op.Create(ctx, cfg)
}
