package tarfmt

import (
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Type flags of the tar header.
const (
	TypeReg           = '0'
	TypeRegLegacy     = '\x00' // pre-POSIX regular file
	TypeLink          = '1'
	TypeSymlink       = '2'
	TypeChar          = '3'
	TypeBlock         = '4'
	TypeDir           = '5'
	TypeFifo          = '6'
	TypeCont          = '7' // contiguous file, treated as regular
	TypeXHeader       = 'x'
	TypeXGlobalHeader = 'g'
	TypeGNUSparse     = 'S'
	TypeGNULongName   = 'L'
	TypeGNULongLink   = 'K'
	TypeGNUMultiVol   = 'M'
	TypeGNUVolHeader  = 'V'
)

// Format selects the archive dialect. FormatGNU is the default for emission;
// FormatOldGNU is emitted exactly like FormatGNU, and archives of either
// dialect decode as FormatGNU.
type Format int

const (
	FormatUnknown Format = iota
	FormatV7
	FormatUSTAR
	FormatOldGNU
	FormatGNU
	FormatPAX

	// star is decode-only: its atime/ctime and prefix layout are read, but
	// archives are never emitted in this dialect.
	formatSTAR
)

func (f Format) String() string {
	switch f {
	case FormatV7:
		return "v7"
	case FormatUSTAR:
		return "ustar"
	case FormatOldGNU:
		return "oldgnu"
	case FormatGNU:
		return "gnu"
	case FormatPAX:
		return "pax"
	case formatSTAR:
		return "star"
	}
	return "unknown"
}

// ParseFormat maps a --format argument to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "v7":
		return FormatV7, nil
	case "ustar":
		return FormatUSTAR, nil
	case "oldgnu":
		return FormatOldGNU, nil
	case "gnu", "":
		return FormatGNU, nil
	case "pax", "posix":
		return FormatPAX, nil
	}
	return FormatUnknown, xerrors.Errorf("unknown archive format %q", s)
}

// A Region is a stretch of data in an otherwise hole-bearing file.
type Region struct {
	Offset int64
	Length int64
}

func (r Region) End() int64 { return r.Offset + r.Length }

// A Header describes one logical archive entry: the real-type header with
// any long-name, long-link and PAX pre-entries already folded in.
type Header struct {
	Typeflag byte

	Name     string
	Linkname string

	Size int64 // logical payload size; for sparse entries the real file length
	Mode int64
	Uid  int
	Gid  int

	Uname string
	Gname string

	ModTime    time.Time
	AccessTime time.Time
	ChangeTime time.Time

	Devmajor int64
	Devminor int64

	// SparseMap lists the data regions of a sparse entry in file order.
	// A nil map means the entry is dense.
	SparseMap []Region

	// PAXRecords carries every extended-attribute record that applied to
	// this entry, vendor keys included, in the merged per-entry-over-global
	// view. Values may contain arbitrary bytes (SCHILY.xattr.*).
	PAXRecords map[string]string

	Format Format
}

// IsRegular reports whether the entry carries regular file data.
func (h *Header) IsRegular() bool {
	switch h.Typeflag {
	case TypeReg, TypeRegLegacy, TypeCont, TypeGNUSparse:
		return true
	}
	return false
}

// headerOnly reports whether the type never has a data section, regardless
// of the size field.
func headerOnly(flag byte) bool {
	switch flag {
	case TypeLink, TypeSymlink, TypeChar, TypeBlock, TypeDir, TypeFifo:
		return true
	}
	return false
}

// PhysicalSize returns the number of payload bytes stored in the archive for
// this entry, before block padding. For sparse entries this is the sum of the
// data regions rather than the logical size.
func (h *Header) PhysicalSize() int64 {
	if headerOnly(h.Typeflag) {
		return 0
	}
	if h.SparseMap != nil {
		var n int64
		for _, r := range h.SparseMap {
			n += r.Length
		}
		return n
	}
	return h.Size
}

// Xattrs returns the extended attributes carried in SCHILY.xattr records.
func (h *Header) Xattrs() map[string]string {
	var m map[string]string
	for k, v := range h.PAXRecords {
		if strings.HasPrefix(k, paxSchilyXattr) {
			if m == nil {
				m = make(map[string]string)
			}
			m[strings.TrimPrefix(k, paxSchilyXattr)] = v
		}
	}
	return m
}

// splitName splits a path according to the ustar prefix rules: a slash such
// that the prefix is at most 155 bytes and the remainder at most 100. The
// second return is false when no such split point exists.
func splitName(name string) (prefix, rest string, ok bool) {
	const (
		nameSize   = 100
		prefixSize = 155
	)
	if len(name) <= nameSize {
		return "", name, true
	}
	length := len(name)
	if length > prefixSize+1 {
		length = prefixSize + 1
	} else if name[length-1] == '/' {
		length--
	}
	i := strings.LastIndex(name[:length], "/")
	if i <= 0 || i > prefixSize || len(name)-i-1 > nameSize || len(name)-i-1 == 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// parseBlock decodes one non-zero header block into a Header. Pre-entry
// folding and sparse map extraction are the Reader's job; this reads only
// what the block itself stores.
func parseBlock(blk *Block) (*Header, error) {
	format := blk.detectFormat()
	if format == FormatUnknown {
		return nil, ErrHeader
	}

	var p parser
	hdr := &Header{Format: format}
	v7 := blk.v7()
	hdr.Typeflag = v7.typeFlag()[0]
	hdr.Name = p.parseString(v7.name())
	hdr.Linkname = p.parseString(v7.linkName())
	hdr.Size = p.parseNumeric(v7.size())
	hdr.Mode = p.parseNumeric(v7.mode())
	hdr.Uid = int(p.parseNumeric(v7.uid()))
	hdr.Gid = int(p.parseNumeric(v7.gid()))
	hdr.ModTime = time.Unix(p.parseNumeric(v7.modTime()), 0)

	if format == FormatV7 {
		return hdr, p.err
	}

	ustar := blk.ustar()
	hdr.Uname = p.parseString(ustar.userName())
	hdr.Gname = p.parseString(ustar.groupName())
	if hdr.Typeflag == TypeChar || hdr.Typeflag == TypeBlock {
		hdr.Devmajor = p.parseNumeric(ustar.devMajor())
		hdr.Devminor = p.parseNumeric(ustar.devMinor())
	}

	var prefix string
	switch format {
	case FormatUSTAR:
		prefix = p.parseString(ustar.prefix())
	case formatSTAR:
		star := blk.star()
		prefix = p.parseString(star.prefix())
		hdr.AccessTime = time.Unix(p.parseNumeric(star.accessTime()), 0)
		hdr.ChangeTime = time.Unix(p.parseNumeric(star.changeTime()), 0)
	case FormatGNU:
		gnu := blk.gnu()
		if b := gnu.accessTime(); b[0] != 0 {
			hdr.AccessTime = time.Unix(p.parseNumeric(b), 0)
		}
		if b := gnu.changeTime(); b[0] != 0 {
			hdr.ChangeTime = time.Unix(p.parseNumeric(b), 0)
		}
	}
	if prefix != "" {
		hdr.Name = prefix + "/" + hdr.Name
	}
	return hdr, p.err
}

// encodeBlock writes the block-resident fields of hdr. Callers are expected
// to have routed over-long names and out-of-range values through pre-entries
// first; encodeBlock fails rather than truncate.
func encodeBlock(blk *Block, hdr *Header, format Format) error {
	blk.Reset()
	var f formatter
	v7 := blk.v7()
	v7.typeFlag()[0] = hdr.Typeflag

	name := hdr.Name
	if len(name) > len(v7.name()) && (format == FormatUSTAR || format == FormatPAX) {
		prefix, rest, ok := splitName(name)
		if !ok {
			return ErrFieldLong
		}
		f.formatString(blk.ustar().prefix(), prefix)
		name = rest
	}
	f.formatString(v7.name(), name)
	f.formatString(v7.linkName(), hdr.Linkname)
	f.formatOctal(v7.mode(), hdr.Mode)

	// v7 and ustar have no numeric escape hatch; gnu may use base-256.
	num := f.formatOctal
	if format == FormatGNU || format == FormatOldGNU {
		num = f.formatNumeric
	}
	num(v7.uid(), int64(hdr.Uid))
	num(v7.gid(), int64(hdr.Gid))
	num(v7.size(), hdr.Size)
	num(v7.modTime(), hdr.ModTime.Unix())

	if format != FormatV7 {
		ustar := blk.ustar()
		f.formatString(ustar.userName(), hdr.Uname)
		f.formatString(ustar.groupName(), hdr.Gname)
		if hdr.Typeflag == TypeChar || hdr.Typeflag == TypeBlock {
			num(ustar.devMajor(), hdr.Devmajor)
			num(ustar.devMinor(), hdr.Devminor)
		}
		switch format {
		case FormatGNU, FormatOldGNU:
			copy(ustar.magic(), magicGNU)
			copy(ustar.version(), versionGNU)
			gnu := blk.gnu()
			if !hdr.AccessTime.IsZero() {
				num(gnu.accessTime(), hdr.AccessTime.Unix())
			}
			if !hdr.ChangeTime.IsZero() {
				num(gnu.changeTime(), hdr.ChangeTime.Unix())
			}
		default:
			copy(ustar.magic(), magicUSTAR)
			copy(ustar.version(), versionUSTAR)
		}
	}
	if f.err != nil {
		return f.err
	}
	blk.SetChecksum()
	return nil
}

