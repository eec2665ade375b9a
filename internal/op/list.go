package op

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/distr1/dtar/internal/blockio"
	"github.com/distr1/dtar/internal/tarfmt"
)

// List enumerates the archive's logical entries, skipping over payloads.
func List(ctx context.Context, cfg *Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	rules, err := parseTransforms(cfg.Transforms)
	if err != nil {
		return err
	}

	br, err := blockio.OpenReader(ctx, cfg.Archive, cfg.Compression)
	if err != nil {
		return err
	}
	defer br.Close()

	tr := tarfmt.NewReader(br)
	tr.SetIgnoreZeros(cfg.IgnoreZeros)
	tr.SetWarnf(cfg.warn)

	for {
		if err := cancelled(ctx); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return cfg.finish(nil)
		}
		if err != nil {
			return err
		}
		name := applyTransforms(rules, hdr.Name)
		if excluded(cfg.Excludes, name) || !matchesFileList(cfg.Files, name) {
			continue
		}
		if hdr.Typeflag == tarfmt.TypeGNUVolHeader {
			if cfg.Verbosity >= Verbose {
				fmt.Fprintf(cfg.Out, "V--------- %s--Volume Header--\n", name)
			}
			continue
		}
		if cfg.Verbosity >= Verbose {
			printVerbose(cfg, hdr, name)
		} else {
			io.WriteString(cfg.Out, name+"\n")
		}
		cfg.checkpoint()
	}
}

// printVerbose renders one ls -l style listing line.
func printVerbose(cfg *Config, hdr *tarfmt.Header, name string) {
	owner := hdr.Uname
	group := hdr.Gname
	if cfg.NumericOwner || owner == "" {
		owner = strconv.Itoa(hdr.Uid)
	}
	if cfg.NumericOwner || group == "" {
		group = strconv.Itoa(hdr.Gid)
	}
	size := hdr.Size
	if hdr.Typeflag == tarfmt.TypeChar || hdr.Typeflag == tarfmt.TypeBlock {
		fmt.Fprintf(cfg.Out, "%c%s %s/%s %d,%d %s %s",
			typeChar(hdr), permString(hdr.Mode), owner, group,
			hdr.Devmajor, hdr.Devminor,
			hdr.ModTime.Format("2006-01-02 15:04"), name)
	} else {
		fmt.Fprintf(cfg.Out, "%c%s %s/%s %d %s %s",
			typeChar(hdr), permString(hdr.Mode), owner, group, size,
			hdr.ModTime.Format("2006-01-02 15:04"), name)
	}
	switch hdr.Typeflag {
	case tarfmt.TypeSymlink:
		fmt.Fprintf(cfg.Out, " -> %s", hdr.Linkname)
	case tarfmt.TypeLink:
		fmt.Fprintf(cfg.Out, " link to %s", hdr.Linkname)
	}
	io.WriteString(cfg.Out, "\n")
}
