// Package blockio provides the archive transport: it opens archive files for
// block-aligned reading and writing and layers the compression filter on
// top, either as an external compressor subprocess or, when the binary is
// not installed, as an in-process codec where one exists.
package blockio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
)

// Compression identifies the stream codec applied outside the tar format.
type Compression int

const (
	// Auto selects by file extension and, for reads, by magic bytes. It is
	// the zero value, so an unset Compression means detection.
	Auto Compression = iota

	None
	Gzip
	Bzip2
	Xz
	Zstd
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Bzip2:
		return "bzip2"
	case Xz:
		return "xz"
	case Zstd:
		return "zstd"
	case Auto:
		return "auto"
	}
	return "unknown"
}

// ParseCompression maps a --compression argument to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "bzip2", "bz2":
		return Bzip2, nil
	case "xz":
		return Xz, nil
	case "zstd", "zst":
		return Zstd, nil
	case "auto", "":
		return Auto, nil
	}
	return None, xerrors.Errorf("unknown compression %q", s)
}

// program returns the external compressor's argv for the direction.
func (c Compression) program(decompress bool) []string {
	var name string
	switch c {
	case Gzip:
		name = "gzip"
	case Bzip2:
		name = "bzip2"
	case Xz:
		name = "xz"
	case Zstd:
		name = "zstd"
	default:
		return nil
	}
	if decompress {
		return []string{name, "-d", "-c"}
	}
	return []string{name, "-c"}
}

// byExtension recognizes the conventional archive suffixes.
func byExtension(path string) Compression {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".gz", ".tgz", ".taz":
		return Gzip
	case ".bz2", ".tbz", ".tbz2", ".tz2":
		return Bzip2
	case ".xz", ".txz":
		return Xz
	case ".zst", ".tzst":
		return Zstd
	}
	return None
}

var magics = []struct {
	prefix []byte
	comp   Compression
}{
	{[]byte{0x1f, 0x8b}, Gzip},
	{[]byte{0x42, 0x5a, 0x68}, Bzip2},
	{[]byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, Xz},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
}

// byMagic recognizes a compressed stream by its leading bytes.
func byMagic(head []byte) Compression {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.comp
		}
	}
	return None
}

// Detect reports the compression of an existing archive file, by extension
// first and magic bytes second. The in-place operations use it to refuse
// compressed archives up front.
func Detect(path string) (Compression, error) {
	if c := byExtension(path); c != None {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return None, err
	}
	defer f.Close()
	head := make([]byte, 6)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return None, err
	}
	return byMagic(head[:n]), nil
}
