// Package tarfmt implements the tar wire format: the 512-byte header record
// with its octal and base-256 numeric fields, the v7/ustar/gnu/pax dialects,
// PAX extended-attribute records, GNU long-name pre-entries and sparse maps.
//
// The package deliberately separates the block-level codec (Block and its
// field views) from the stream-level Reader and Writer so that operations
// which must touch raw blocks (append, delete, concatenate) can reuse the
// codec without going through entry iteration.
package tarfmt

import (
	"bytes"
	"errors"
)

// BlockSize is the tar record size. All archive I/O happens in multiples of
// this; file payloads are zero-padded to the next block boundary.
const BlockSize = 512

var (
	ErrHeader    = errors.New("dtar: invalid tar header")
	ErrFieldLong = errors.New("dtar: header field too long")

	zeroBlock Block
)

// A Block is one 512-byte archive record. The typed views (v7, ustar, gnu,
// sparse) expose the fixed field offsets of the respective dialect.
type Block [BlockSize]byte

func (b *Block) IsZero() bool { return bytes.Equal(b[:], zeroBlock[:]) }

func (b *Block) Reset() { *b = Block{} }

func (b *Block) v7() *v7Block       { return (*v7Block)(b) }
func (b *Block) ustar() *ustarBlock { return (*ustarBlock)(b) }
func (b *Block) gnu() *gnuBlock     { return (*gnuBlock)(b) }
func (b *Block) star() *starBlock   { return (*starBlock)(b) }
func (b *Block) sparse() sparseArea { return sparseArea(b[:sparseContEntries*sparseEntryLen+1]) }

type v7Block Block

func (b *v7Block) name() []byte     { return b[0:100] }
func (b *v7Block) mode() []byte     { return b[100:108] }
func (b *v7Block) uid() []byte      { return b[108:116] }
func (b *v7Block) gid() []byte      { return b[116:124] }
func (b *v7Block) size() []byte     { return b[124:136] }
func (b *v7Block) modTime() []byte  { return b[136:148] }
func (b *v7Block) chksum() []byte   { return b[148:156] }
func (b *v7Block) typeFlag() []byte { return b[156:157] }
func (b *v7Block) linkName() []byte { return b[157:257] }

type ustarBlock Block

func (b *ustarBlock) magic() []byte    { return b[257:263] }
func (b *ustarBlock) version() []byte  { return b[263:265] }
func (b *ustarBlock) userName() []byte { return b[265:297] }
func (b *ustarBlock) groupName() []byte { return b[297:329] }
func (b *ustarBlock) devMajor() []byte { return b[329:337] }
func (b *ustarBlock) devMinor() []byte { return b[337:345] }
func (b *ustarBlock) prefix() []byte   { return b[345:500] }

type gnuBlock Block

func (b *gnuBlock) magic() []byte      { return b[257:263] }
func (b *gnuBlock) version() []byte    { return b[263:265] }
func (b *gnuBlock) accessTime() []byte { return b[345:357] }
func (b *gnuBlock) changeTime() []byte { return b[357:369] }
func (b *gnuBlock) sparse() sparseArea { return sparseArea(b[386 : 386+sparseHdrEntries*sparseEntryLen+1]) }
func (b *gnuBlock) realSize() []byte   { return b[483:495] }

// starBlock is the Schily star layout, accepted on decode only.
type starBlock Block

func (b *starBlock) prefix() []byte     { return b[345:476] }
func (b *starBlock) accessTime() []byte { return b[476:488] }
func (b *starBlock) changeTime() []byte { return b[488:500] }
func (b *starBlock) trailer() []byte    { return b[508:512] }

const (
	sparseEntryLen    = 24 // 12-byte offset + 12-byte length
	sparseHdrEntries  = 4  // entries in the primary GNU sparse header
	sparseContEntries = 21 // entries in a sparse continuation block
)

// sparseArea is the in-header sparse map of the old GNU format: a run of
// 24-byte (offset, numbytes) entries followed by an is-extended flag byte.
type sparseArea []byte

func (s sparseArea) entry(i int) []byte  { return s[i*sparseEntryLen : (i+1)*sparseEntryLen] }
func (s sparseArea) offset(i int) []byte { return s.entry(i)[:12] }
func (s sparseArea) length(i int) []byte { return s.entry(i)[12:] }
func (s sparseArea) maxEntries() int     { return len(s) / sparseEntryLen }
func (s sparseArea) isExtended() bool    { return s[len(s)-1] != 0 }
func (s sparseArea) setExtended(x bool) {
	if x {
		s[len(s)-1] = 1
	} else {
		s[len(s)-1] = 0
	}
}

// computeChecksum sums all 512 bytes with the chksum field counted as eight
// ASCII spaces. It returns both the unsigned and the signed interpretation;
// pre-POSIX tars wrote the signed sum and both must be accepted on decode.
func (b *Block) computeChecksum() (unsigned int64, signed int64) {
	for i, c := range b {
		if 148 <= i && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return unsigned, signed
}

// SetChecksum recomputes the checksum field. The stored form is six octal
// digits, a NUL, and a space.
func (b *Block) SetChecksum() {
	var f formatter
	unsigned, _ := b.computeChecksum()
	f.formatOctal(b.v7().chksum()[:7], unsigned)
	b[155] = ' '
}

// ChecksumOK reports whether the stored checksum matches either the unsigned
// or the signed sum of the block.
func (b *Block) ChecksumOK() bool {
	var p parser
	stored := p.parseOctal(b.v7().chksum())
	if p.err != nil {
		return false
	}
	unsigned, signed := b.computeChecksum()
	return stored == unsigned || stored == signed
}

// detectFormat classifies a block by its magic/version pair. The ustar magic
// is shared by POSIX ustar and PAX; the two are told apart at the entry
// level. Blocks without a known magic are v7 when the checksum holds and
// garbage otherwise; checksum failures on magic-bearing blocks are the
// caller's policy (the Reader warns and continues).
func (b *Block) detectFormat() Format {
	magic := string(b.ustar().magic())
	version := string(b.ustar().version())
	trailer := string(b.star().trailer())
	switch {
	case magic == magicUSTAR && trailer == trailerSTAR:
		return formatSTAR
	case magic == magicUSTAR:
		return FormatUSTAR
	case magic == magicGNU && version == versionGNU:
		return FormatGNU
	}
	if b.ChecksumOK() {
		return FormatV7
	}
	return FormatUnknown
}

const (
	magicGNU   = "ustar "
	versionGNU = " \x00"

	magicUSTAR   = "ustar\x00"
	versionUSTAR = "00"

	trailerSTAR = "tar\x00"
)
