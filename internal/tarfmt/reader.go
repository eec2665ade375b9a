package tarfmt

import (
	"bytes"
	"io"
	"log"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// maxSpecialFile caps the payload of L/K/x/g pre-entries. Real archives stay
// far below this; anything larger is a malformed or hostile length field.
const maxSpecialFile = 1 << 20

// A Reader iterates over the logical entries of an archive stream. It folds
// PAX, long-name and long-link pre-entries into the following real entry and
// keeps global PAX records sticky across entries.
type Reader struct {
	r   io.Reader
	blk Block

	remaining int64 // physical payload bytes left in the current entry
	padding   int64 // zero bytes after the payload up to the block boundary

	ignoreZeros bool
	global      []PaxRecord
	warnf       func(format string, v ...interface{})
	err         error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, warnf: log.Printf}
}

// SetIgnoreZeros makes the Reader skip zero blocks inside the archive and
// observe the terminator only at EOF.
func (tr *Reader) SetIgnoreZeros(v bool) { tr.ignoreZeros = v }

// SetWarnf redirects non-fatal diagnostics (checksum mismatches, lone zero
// blocks) away from the standard logger.
func (tr *Reader) SetWarnf(f func(format string, v ...interface{})) { tr.warnf = f }

// Next advances to the next logical entry. It returns io.EOF after the
// end-of-archive marker (or, under ignore-zeros, at stream EOF).
func (tr *Reader) Next() (*Header, error) {
	if tr.err != nil {
		return nil, tr.err
	}
	hdr, err := tr.next()
	tr.err = err
	return hdr, err
}

func (tr *Reader) next() (*Header, error) {
	// Discard whatever remains of the previous entry.
	if err := tr.discard(tr.remaining + tr.padding); err != nil {
		return nil, err
	}
	tr.remaining, tr.padding = 0, 0

	var longName, longLink string
	var paxRecs []PaxRecord
	zeros := 0
	for {
		if _, err := io.ReadFull(tr.r, tr.blk[:]); err != nil {
			if err == io.EOF && (zeros > 0 || tr.ignoreZeros) {
				return nil, io.EOF
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, xerrors.Errorf("truncated archive: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		if tr.blk.IsZero() {
			if tr.ignoreZeros {
				continue
			}
			zeros++
			if zeros == 2 {
				return nil, io.EOF
			}
			continue
		}
		if zeros > 0 {
			tr.warnf("dtar: lone zero block in archive")
			zeros = 0
		}

		hdr, err := tr.parseHeaderBlock()
		if err != nil {
			return nil, err
		}
		switch hdr.Typeflag {
		case TypeGNULongName, TypeGNULongLink:
			b, err := tr.readSpecial(hdr.Size)
			if err != nil {
				return nil, err
			}
			s := string(bytes.TrimRight(b, "\x00"))
			if hdr.Typeflag == TypeGNULongName {
				longName = s
			} else {
				longLink = s
			}
		case TypeXHeader:
			b, err := tr.readSpecial(hdr.Size)
			if err != nil {
				return nil, err
			}
			recs, err := parsePAXRecords(b)
			if err != nil {
				return nil, err
			}
			recs, err = foldSparse0x0(recs)
			if err != nil {
				return nil, err
			}
			paxRecs = mergeRecords(paxRecs, recs)
		case TypeXGlobalHeader:
			b, err := tr.readSpecial(hdr.Size)
			if err != nil {
				return nil, err
			}
			recs, err := parsePAXRecords(b)
			if err != nil {
				return nil, err
			}
			tr.global = mergeRecords(tr.global, recs)
		default:
			return tr.emerge(hdr, longName, longLink, paxRecs)
		}
	}
}

// parseHeaderBlock decodes tr.blk, applying the checksum policy: a bad sum
// on a magic-bearing block is reported and tolerated, a bad sum on anything
// else means we lost the block framing.
func (tr *Reader) parseHeaderBlock() (*Header, error) {
	hdr, err := parseBlock(&tr.blk)
	if err != nil {
		return nil, err
	}
	if !tr.blk.ChecksumOK() {
		tr.warnf("dtar: %s: header checksum mismatch", hdr.Name)
	}
	return hdr, nil
}

// emerge overlays the accumulated pre-entries onto the real header.
// Precedence, high to low: per-entry PAX, global PAX, long name/link,
// block fields.
func (tr *Reader) emerge(hdr *Header, longName, longLink string, paxRecs []PaxRecord) (*Header, error) {
	if longName != "" {
		hdr.Name = longName
	}
	if longLink != "" {
		hdr.Linkname = longLink
	}
	if err := mergePAX(hdr, tr.global); err != nil {
		return nil, err
	}
	if err := mergePAX(hdr, paxRecs); err != nil {
		return nil, err
	}
	switch hdr.Typeflag {
	case TypeRegLegacy:
		if strings.HasSuffix(hdr.Name, "/") {
			hdr.Typeflag = TypeDir
		} else {
			hdr.Typeflag = TypeReg
		}
	case TypeReg:
		// Pre-POSIX archives mark directories with a trailing slash only.
		if hdr.Format == FormatV7 && strings.HasSuffix(hdr.Name, "/") {
			hdr.Typeflag = TypeDir
		}
	}

	// The size field of a sparse entry stores the physical (archive) byte
	// count; the logical length comes from the realsize field or record.
	physical := hdr.Size
	switch {
	case hdr.Typeflag == TypeGNUSparse && (hdr.Format == FormatGNU || hdr.Format == FormatOldGNU):
		if err := tr.readOldGNUSparse(hdr); err != nil {
			return nil, err
		}
	case hdr.PAXRecords != nil:
		regions, mapInData, err := sparseFromPAX(hdr)
		if err != nil {
			return nil, err
		}
		if mapInData {
			var consumed int64
			regions, consumed, err = tr.readSparse1x0Map()
			if err != nil {
				return nil, err
			}
			physical -= consumed
		}
		if regions != nil {
			hdr.SparseMap = regions
		}
	}
	if hdr.SparseMap != nil {
		if !validateSparseMap(hdr.SparseMap, hdr.Size) {
			return nil, xerrors.Errorf("%s: invalid sparse map: %w", hdr.Name, ErrHeader)
		}
		if sum := hdr.PhysicalSize(); sum != physical {
			return nil, xerrors.Errorf("%s: sparse map disagrees with stored size (%d vs %d): %w",
				hdr.Name, sum, physical, ErrHeader)
		}
	}
	if headerOnly(hdr.Typeflag) {
		physical = 0
	}

	tr.remaining = physical
	tr.padding = blockPadding(physical)
	return hdr, nil
}

// readOldGNUSparse decodes the in-header sparse map of a type-'S' entry,
// following continuation blocks while the is-extended flag is set.
func (tr *Reader) readOldGNUSparse(hdr *Header) error {
	gnu := tr.blk.gnu()
	var p parser
	logical := p.parseNumeric(gnu.realSize())
	area := gnu.sparse()
	var regions []Region
	for {
		for i := 0; i < area.maxEntries(); i++ {
			if area.offset(i)[0] == 0 {
				break
			}
			regions = append(regions, Region{
				Offset: p.parseNumeric(area.offset(i)),
				Length: p.parseNumeric(area.length(i)),
			})
		}
		if p.err != nil {
			return p.err
		}
		if !area.isExtended() {
			break
		}
		if _, err := io.ReadFull(tr.r, tr.blk[:]); err != nil {
			return xerrors.Errorf("truncated sparse map: %w", io.ErrUnexpectedEOF)
		}
		area = tr.blk.sparse()
	}
	hdr.Size = logical
	hdr.SparseMap = regions
	return nil
}

// readSparse1x0Map reads the block-aligned, newline-delimited decimal map
// that PAX sparse 1.0 archives store at the head of the data section. It
// returns the number of archive bytes consumed so the caller can account for
// them against the stored size.
func (tr *Reader) readSparse1x0Map() ([]Region, int64, error) {
	var (
		buf      bytes.Buffer
		blk      Block
		consumed int64
		newlines int
	)
	feed := func(need int64) error {
		for int64(newlines) < need {
			if _, err := io.ReadFull(tr.r, blk[:]); err != nil {
				return xerrors.Errorf("truncated sparse map: %w", io.ErrUnexpectedEOF)
			}
			consumed += BlockSize
			buf.Write(blk[:])
			newlines += bytes.Count(blk[:], []byte{'\n'})
		}
		return nil
	}
	next := func() string {
		newlines--
		tok, _ := buf.ReadString('\n')
		return strings.TrimSuffix(tok, "\n")
	}

	if err := feed(1); err != nil {
		return nil, 0, err
	}
	n, err := strconv.ParseInt(next(), 10, 0)
	if err != nil || n < 0 || 2*n < n {
		return nil, 0, xerrors.Errorf("bad sparse map entry count: %w", ErrHeader)
	}
	if err := feed(2 * n); err != nil {
		return nil, 0, err
	}
	regions := make([]Region, 0, n)
	for i := int64(0); i < n; i++ {
		off, err1 := strconv.ParseInt(next(), 10, 64)
		length, err2 := strconv.ParseInt(next(), 10, 64)
		if err1 != nil || err2 != nil {
			return nil, 0, xerrors.Errorf("bad sparse map entry: %w", ErrHeader)
		}
		regions = append(regions, Region{Offset: off, Length: length})
	}
	return regions, consumed, nil
}

// readSpecial reads a pre-entry payload plus its padding.
func (tr *Reader) readSpecial(size int64) ([]byte, error) {
	if size < 0 || size > maxSpecialFile {
		return nil, xerrors.Errorf("pre-entry of %d bytes: %w", size, ErrFieldLong)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(tr.r, b); err != nil {
		return nil, xerrors.Errorf("truncated pre-entry: %w", io.ErrUnexpectedEOF)
	}
	if err := tr.discard(blockPadding(size)); err != nil {
		return nil, err
	}
	return b, nil
}

// Read returns the physical payload of the current entry: for dense entries
// the file bytes, for sparse entries the concatenated data regions. Callers
// place sparse regions using Header.SparseMap.
func (tr *Reader) Read(p []byte) (int, error) {
	if tr.remaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > tr.remaining {
		p = p[:tr.remaining]
	}
	n, err := tr.r.Read(p)
	tr.remaining -= int64(n)
	if err == io.EOF && tr.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// discard skips n bytes, seeking when the source genuinely supports it.
func (tr *Reader) discard(n int64) error {
	if n == 0 {
		return nil
	}
	var skipped int64
	if sr, ok := tr.r.(io.Seeker); ok && n > 1 {
		// Seek errors are often deferred; probe with a no-op seek first and
		// leave the final byte for Read so truncation is still detected.
		pos1, err := sr.Seek(0, io.SeekCurrent)
		if pos1 >= 0 && err == nil {
			pos2, err := sr.Seek(n-1, io.SeekCurrent)
			if pos2 < 0 || err != nil {
				return err
			}
			skipped = pos2 - pos1
		}
	}
	copied, err := io.CopyN(io.Discard, tr.r, n-skipped)
	if err == io.EOF && skipped+copied < n {
		err = xerrors.Errorf("truncated archive: %w", io.ErrUnexpectedEOF)
	}
	return err
}

// mergeRecords overlays src onto dst by key, preserving first-seen order.
func mergeRecords(dst, src []PaxRecord) []PaxRecord {
	for _, rec := range src {
		replaced := false
		for i := range dst {
			if dst[i].Key == rec.Key {
				dst[i].Value = rec.Value
				replaced = true
				break
			}
		}
		if !replaced {
			dst = append(dst, rec)
		}
	}
	return dst
}
