package tarfmt

import (
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"golang.org/x/xerrors"
)

var (
	ErrWriteTooLong    = errors.New("dtar: write too long")
	ErrWriteAfterClose = errors.New("dtar: write after close")
)

// longLinkName is the placeholder stored in the name field of GNU 'L' and
// 'K' pre-entries.
const longLinkName = "././@LongLink"

// A NameTooLongError reports a path the selected dialect cannot represent.
// The name policy decides the fallback (pre-entry, PAX record, or refusal).
type NameTooLongError struct {
	Name string
}

func (e *NameTooLongError) Error() string {
	return fmt.Sprintf("dtar: name too long for archive format: %q", e.Name)
}

// A Writer emits logical entries in a fixed dialect, generating whatever
// pre-entries the dialect needs for long names, large values and sparse
// maps.
type Writer struct {
	w      io.Writer
	format Format
	blk    Block

	remaining int64 // payload bytes the caller still owes for the current entry
	padding   int64
	closed    bool
	err       error
}

// NewWriter writes an archive in the given dialect to w. It never closes w;
// the block stream owns the file and the compressor lifetime.
func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{w: w, format: format}
}

func (tw *Writer) Format() Format { return tw.format }

// WriteHeader begins a new entry. For entries with payload, exactly
// Header.PhysicalSize bytes must be written before the next WriteHeader or
// Close.
func (tw *Writer) WriteHeader(hdr *Header) error {
	if tw.err != nil {
		return tw.err
	}
	if tw.closed {
		return ErrWriteAfterClose
	}
	tw.err = tw.writeHeader(hdr)
	return tw.err
}

func (tw *Writer) writeHeader(hdr *Header) error {
	if err := tw.finishEntry(); err != nil {
		return err
	}
	switch tw.format {
	case FormatV7:
		return tw.writeV7Header(hdr)
	case FormatUSTAR:
		return tw.writeUSTARHeader(hdr)
	case FormatGNU, FormatOldGNU:
		return tw.writeGNUHeader(hdr)
	case FormatPAX:
		return tw.writePAXHeader(hdr)
	}
	return xerrors.Errorf("cannot write %v archives", tw.format)
}

func (tw *Writer) writeV7Header(hdr *Header) error {
	switch hdr.Typeflag {
	case TypeReg, TypeLink, TypeSymlink, TypeDir:
	default:
		return xerrors.Errorf("v7 cannot represent entry type %q", hdr.Typeflag)
	}
	if len(hdr.Name) > 100 || len(hdr.Linkname) > 100 {
		return &NameTooLongError{Name: hdr.Name}
	}
	if hdr.SparseMap != nil {
		return xerrors.Errorf("v7 cannot represent sparse files")
	}
	if hdr.Typeflag == TypeDir {
		// v7 predates the directory type; a trailing slash marks them.
		h := *hdr
		h.Typeflag = TypeReg
		if len(h.Name) == 0 || h.Name[len(h.Name)-1] != '/' {
			h.Name += "/"
		}
		return tw.writeRealHeader(&h, FormatV7)
	}
	return tw.writeRealHeader(hdr, FormatV7)
}

func (tw *Writer) writeUSTARHeader(hdr *Header) error {
	if _, _, ok := splitName(hdr.Name); !ok {
		return &NameTooLongError{Name: hdr.Name}
	}
	if len(hdr.Linkname) > 100 {
		return &NameTooLongError{Name: hdr.Linkname}
	}
	if hdr.SparseMap != nil {
		return xerrors.Errorf("ustar cannot represent sparse files")
	}
	return tw.writeRealHeader(hdr, FormatUSTAR)
}

func (tw *Writer) writeGNUHeader(hdr *Header) error {
	if len(hdr.Name) > 100 {
		payload := append([]byte(hdr.Name), 0)
		if err := tw.writePreEntry(TypeGNULongName, longLinkName, payload, tw.format); err != nil {
			return err
		}
	}
	if len(hdr.Linkname) > 100 {
		payload := append([]byte(hdr.Linkname), 0)
		if err := tw.writePreEntry(TypeGNULongLink, longLinkName, payload, tw.format); err != nil {
			return err
		}
	}
	return tw.writeRealHeader(hdr, tw.format)
}

func (tw *Writer) writePAXHeader(hdr *Header) error {
	records := paxRecordsForHeader(hdr)
	if hdr.SparseMap != nil {
		records = append(records, sparsePAXRecords(hdr)...)
	}
	if len(records) > 0 {
		name := paxHeaderName(hdr.Name)
		payload := emitPAXRecords(records)
		if err := tw.writePreEntry(TypeXHeader, name, payload, FormatPAX); err != nil {
			return err
		}
	}
	return tw.writeRealHeader(hdr, FormatPAX)
}

// WriteGlobal emits a type-'g' entry whose records apply to all subsequent
// entries until overridden.
func (tw *Writer) WriteGlobal(records []PaxRecord) error {
	if tw.err != nil {
		return tw.err
	}
	if err := tw.finishEntry(); err != nil {
		tw.err = err
		return err
	}
	tw.err = tw.writePreEntry(TypeXGlobalHeader, "pax_global_header", emitPAXRecords(records), FormatPAX)
	return tw.err
}

// writeRealHeader encodes the block for the real entry, with the dialect's
// escape hatches already exhausted: names may still be truncated here only
// when a pre-entry carries the full value.
func (tw *Writer) writeRealHeader(hdr *Header, format Format) error {
	h := *hdr // shallow copy; block-resident fields may be clipped below
	if h.ModTime.IsZero() {
		h.ModTime = time.Unix(0, 0)
	}
	if len(h.Name) > 100 {
		if _, _, ok := splitName(h.Name); !ok || format == FormatGNU || format == FormatOldGNU {
			h.Name = h.Name[:100]
		}
	}
	if len(h.Linkname) > 100 {
		h.Linkname = h.Linkname[:100]
	}
	if len(h.Uname) > 32 {
		h.Uname = h.Uname[:32]
	}
	if len(h.Gname) > 32 {
		h.Gname = h.Gname[:32]
	}
	if format == FormatPAX {
		// The block stores whole seconds; the record has the precise time.
		h.ModTime = time.Unix(h.ModTime.Unix(), 0)
		h.AccessTime = time.Time{}
		h.ChangeTime = time.Time{}
		if !fitsInOctal(12, h.Size) {
			h.Size = 0 // carried by the size record
		}
		if !fitsInOctal(8, int64(h.Uid)) {
			h.Uid = 0
		}
		if !fitsInOctal(8, int64(h.Gid)) {
			h.Gid = 0
		}
	}

	physical := hdr.PhysicalSize()
	if hdr.SparseMap != nil {
		h.Size = physical
		if format == FormatGNU || format == FormatOldGNU {
			h.Typeflag = TypeGNUSparse
		}
	}
	if err := encodeBlock(&tw.blk, &h, format); err != nil {
		return err
	}

	var continuations []Block
	if h.Typeflag == TypeGNUSparse {
		continuations = tw.encodeOldGNUSparse(hdr)
	}
	if _, err := tw.w.Write(tw.blk[:]); err != nil {
		return err
	}
	for i := range continuations {
		if _, err := tw.w.Write(continuations[i][:]); err != nil {
			return err
		}
	}

	tw.remaining = physical
	tw.padding = blockPadding(physical)
	return nil
}

// encodeOldGNUSparse fills the in-header sparse area of tw.blk (re-signing
// the checksum) and returns any continuation blocks for maps longer than
// four entries.
func (tw *Writer) encodeOldGNUSparse(hdr *Header) []Block {
	var f formatter
	gnu := tw.blk.gnu()
	f.formatOctal(gnu.realSize(), hdr.Size)

	regions := hdr.SparseMap
	area := gnu.sparse()
	n := len(regions)
	if n > area.maxEntries() {
		n = area.maxEntries()
	}
	for i := 0; i < n; i++ {
		f.formatOctal(area.offset(i), regions[i].Offset)
		f.formatOctal(area.length(i), regions[i].Length)
	}
	regions = regions[n:]
	area.setExtended(len(regions) > 0)
	tw.blk.SetChecksum()

	var continuations []Block
	for len(regions) > 0 {
		var blk Block
		area := blk.sparse()
		n := len(regions)
		if n > area.maxEntries() {
			n = area.maxEntries()
		}
		for i := 0; i < n; i++ {
			f.formatOctal(area.offset(i), regions[i].Offset)
			f.formatOctal(area.length(i), regions[i].Length)
		}
		regions = regions[n:]
		area.setExtended(len(regions) > 0)
		continuations = append(continuations, blk)
	}
	return continuations
}

// writePreEntry emits a complete pseudo-entry (header, payload, padding).
func (tw *Writer) writePreEntry(flag byte, name string, payload []byte, format Format) error {
	ph := &Header{
		Typeflag: flag,
		Name:     name,
		Size:     int64(len(payload)),
		Mode:     0644,
		ModTime:  time.Unix(0, 0),
	}
	if err := encodeBlock(&tw.blk, ph, format); err != nil {
		return err
	}
	if _, err := tw.w.Write(tw.blk[:]); err != nil {
		return err
	}
	if _, err := tw.w.Write(payload); err != nil {
		return err
	}
	return tw.writeZeros(blockPadding(int64(len(payload))))
}

// paxHeaderName derives the name stored in the block of an 'x' pre-entry,
// clipped so it always fits ustar rules.
func paxHeaderName(name string) string {
	dir, file := path.Split(name)
	n := path.Join(dir, "PaxHeaders.0", file)
	if len(n) <= 100 {
		return n
	}
	if _, _, ok := splitName(n); ok {
		return n
	}
	return n[:100]
}

// Write supplies payload bytes for the current entry.
func (tw *Writer) Write(p []byte) (int, error) {
	if tw.err != nil {
		return 0, tw.err
	}
	if tw.closed {
		return 0, ErrWriteAfterClose
	}
	overflow := false
	if int64(len(p)) > tw.remaining {
		p, overflow = p[:tw.remaining], true
	}
	n, err := tw.w.Write(p)
	tw.remaining -= int64(n)
	if err == nil && overflow {
		return n, ErrWriteTooLong
	}
	if err != nil {
		tw.err = err
	}
	return n, err
}

// finishEntry pads the previous entry to its block boundary.
func (tw *Writer) finishEntry() error {
	if tw.remaining > 0 {
		return xerrors.Errorf("entry closed with %d unwritten payload bytes", tw.remaining)
	}
	if err := tw.writeZeros(tw.padding); err != nil {
		return err
	}
	tw.padding = 0
	return nil
}

func (tw *Writer) writeZeros(n int64) error {
	for n > 0 {
		chunk := n
		if chunk > BlockSize {
			chunk = BlockSize
		}
		if _, err := tw.w.Write(zeroBlock[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Close pads the last entry and writes the end-of-archive marker (two zero
// blocks). It does not close the underlying stream.
func (tw *Writer) Close() error {
	if tw.closed {
		return nil
	}
	if tw.err != nil {
		return tw.err
	}
	tw.closed = true
	if err := tw.finishEntry(); err != nil {
		tw.err = err
		return err
	}
	if err := tw.writeZeros(2 * BlockSize); err != nil {
		tw.err = err
		return err
	}
	return nil
}
