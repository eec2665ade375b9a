// dtar is a GNU-tar-compatible archiver: it creates, lists, extracts and
// edits tar archives across the v7, ustar, oldgnu, gnu and pax dialects,
// with transparent gzip/bzip2/xz/zstd compression.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/distr1/dtar"
	"github.com/distr1/dtar/internal/op"
	"golang.org/x/xerrors"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"create":  {create},
		"extract": {extract},
		"list":    {list},
		"append":  {appendcmd},
		"update":  {update},
		"delete":  {deletecmd},
		"diff":    {diffcmd},
		"concat":  {concat},
	}

	args := flag.Args()
	if len(args) == 0 {
		usageMain()
		os.Exit(2)
	}
	verb, args := args[0], args[1:]
	if verb == "help" {
		if len(args) != 1 {
			usageMain()
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	ctx, canc := dtar.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: dtar <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		dtar.RunAtExit()
		return xerrors.Errorf("%s: %w", verb, err)
	}
	return dtar.RunAtExit()
}

func usageMain() {
	fmt.Fprintf(os.Stderr, "dtar [-flags] <command> [-flags] <args>\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "To get help on any command, use dtar <command> -help or dtar help <command>.\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Archive commands:\n")
	fmt.Fprintf(os.Stderr, "\tcreate  - archive files into a new archive\n")
	fmt.Fprintf(os.Stderr, "\tlist    - enumerate archive members\n")
	fmt.Fprintf(os.Stderr, "\textract - materialize archive members\n")
	fmt.Fprintf(os.Stderr, "\tdiff    - compare an archive against the filesystem\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "In-place editing commands (uncompressed archives only):\n")
	fmt.Fprintf(os.Stderr, "\tappend  - add members to an existing archive\n")
	fmt.Fprintf(os.Stderr, "\tupdate  - append members newer than their archived copy\n")
	fmt.Fprintf(os.Stderr, "\tdelete  - remove members from an archive\n")
	fmt.Fprintf(os.Stderr, "\tconcat  - splice archives together\n")
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		// Exit 1 for differences and partial failures, 2 for fatal errors.
		if xerrors.Is(err, op.ErrDifferences) || xerrors.Is(err, op.ErrPartial) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
