package main

import (
	"context"
	"flag"

	"github.com/distr1/dtar/internal/op"
)

const extractHelp = `dtar extract -f <archive> [-flags] [<member>...]

Materialize archive members into the working directory (or -C <dir>). With
member arguments, only those members (and their children) are extracted.

Example:
  % dtar extract -f backup.tar.gz -C /tmp/restore
`

func extract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	fset.Usage = usage(fset, extractHelp)
	c := registerCommon(fset)
	var (
		strip       = fset.Uint("strip-components", 0, "drop this many leading path components")
		preserve    = fset.Bool("p", false, "restore permissions exactly, set-id bits included")
		toStdout    = fset.Bool("O", false, "write member payloads to stdout")
		touch       = fset.Bool("touch", false, "do not restore modification times")
		keepOld     = fset.Bool("keep-old-files", false, "refuse to overwrite existing files")
		keepNewer   = fset.Bool("keep-newer-files", false, "keep files newer than their archived copy")
		skipOld     = fset.Bool("skip-old-files", false, "silently skip existing files")
		unlinkFirst = fset.Bool("unlink-first", false, "unlink targets before extracting over them")
		multiVolume = fset.Bool("multi-volume", false, "append multi-volume continuation entries")
		xattrFlag   = fset.Bool("xattrs", false, "restore extended attributes")
		aclFlag     = fset.Bool("acls", false, "restore POSIX ACLs")
		selinuxFlag = fset.Bool("selinux", false, "restore SELinux contexts")
	)
	fset.Parse(args)

	cfg, err := c.config(fset.Args())
	if err != nil {
		return err
	}
	cfg.StripComponents = uint32(*strip)
	cfg.PreservePerms = *preserve
	cfg.ToStdout = *toStdout
	cfg.Touch = *touch
	cfg.MultiVolume = *multiVolume
	cfg.Xattrs = *xattrFlag
	cfg.Acls = *aclFlag
	cfg.Selinux = *selinuxFlag
	switch {
	case *keepOld:
		cfg.Overwrite = op.KeepOld
	case *keepNewer:
		cfg.Overwrite = op.KeepNewer
	case *skipOld:
		cfg.Overwrite = op.SkipOld
	case *unlinkFirst:
		cfg.Overwrite = op.UnlinkFirst
	}
	return op.Extract(ctx, cfg)
}
