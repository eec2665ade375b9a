package tarfmt

import (
	"io"

	"golang.org/x/xerrors"
)

// A Span is the physical extent of one logical entry in a seekable archive:
// every pre-entry block, the real header, its payload and the padding, as
// the half-open byte range [Start, End). The in-place operations (append,
// update, delete, concatenate) move whole spans around without re-encoding
// them.
type Span struct {
	Hdr   *Header
	Start int64
	End   int64
}

// A Scanner walks the spans of an uncompressed archive. It reads header
// blocks and seeks across payloads, so scanning is cheap even for huge
// archives.
type Scanner struct {
	r    io.ReadSeeker
	off  int64
	term int64 // offset of the first terminator block (or EOF)
	blk  Block
}

func NewScanner(r io.ReadSeeker) (*Scanner, error) {
	off, err := r.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}
	return &Scanner{r: r, off: off}, nil
}

// TerminatorOffset returns, after Next has returned io.EOF, the position of
// the end-of-archive marker: where appended entries must begin.
func (s *Scanner) TerminatorOffset() int64 { return s.term }

// Next returns the next span. It returns io.EOF at the first zero block or
// at a clean end of the archive file.
func (s *Scanner) Next() (*Span, error) {
	span := &Span{Start: s.off}
	var longName, longLink string
	var paxRecs []PaxRecord
	for {
		n, err := io.ReadFull(s.r, s.blk[:])
		if err == io.EOF && n == 0 {
			s.term = s.off
			return nil, io.EOF
		}
		if err != nil {
			return nil, xerrors.Errorf("truncated archive at offset %d: %w", s.off, io.ErrUnexpectedEOF)
		}
		if s.blk.IsZero() {
			s.term = s.off
			return nil, io.EOF
		}
		s.off += BlockSize

		hdr, err := parseBlock(&s.blk)
		if err != nil {
			return nil, xerrors.Errorf("offset %d: %w", s.off-BlockSize, err)
		}
		switch hdr.Typeflag {
		case TypeGNULongName, TypeGNULongLink:
			if hdr.Size < 0 || hdr.Size > maxSpecialFile {
				return nil, ErrFieldLong
			}
			b := make([]byte, hdr.Size)
			if _, err := io.ReadFull(s.r, b); err != nil {
				return nil, xerrors.Errorf("truncated pre-entry: %w", io.ErrUnexpectedEOF)
			}
			name := string(trimNULs(b))
			if hdr.Typeflag == TypeGNULongName {
				longName = name
			} else {
				longLink = name
			}
			if err := s.skip(blockPadding(hdr.Size)); err != nil {
				return nil, err
			}
			s.off += hdr.Size + blockPadding(hdr.Size)
		case TypeXHeader, TypeXGlobalHeader:
			if hdr.Size < 0 || hdr.Size > maxSpecialFile {
				return nil, ErrFieldLong
			}
			b := make([]byte, hdr.Size)
			if _, err := io.ReadFull(s.r, b); err != nil {
				return nil, xerrors.Errorf("truncated pre-entry: %w", io.ErrUnexpectedEOF)
			}
			if hdr.Typeflag == TypeXHeader {
				recs, err := parsePAXRecords(b)
				if err != nil {
					return nil, err
				}
				paxRecs = mergeRecords(paxRecs, recs)
			}
			if err := s.skip(blockPadding(hdr.Size)); err != nil {
				return nil, err
			}
			s.off += hdr.Size + blockPadding(hdr.Size)
		default:
			// Old GNU sparse entries stretch across continuation blocks.
			if hdr.Typeflag == TypeGNUSparse && hdr.Format == FormatGNU {
				area := s.blk.gnu().sparse()
				for area.isExtended() {
					if _, err := io.ReadFull(s.r, s.blk[:]); err != nil {
						return nil, xerrors.Errorf("truncated sparse map: %w", io.ErrUnexpectedEOF)
					}
					s.off += BlockSize
					area = s.blk.sparse()
				}
			}
			if longName != "" {
				hdr.Name = longName
			}
			if longLink != "" {
				hdr.Linkname = longLink
			}
			if err := mergePAX(hdr, paxRecs); err != nil {
				return nil, err
			}
			payload := hdr.Size
			if headerOnly(hdr.Typeflag) {
				payload = 0
			}
			if err := s.skip(payload + blockPadding(payload)); err != nil {
				return nil, err
			}
			s.off += payload + blockPadding(payload)
			span.Hdr = hdr
			span.End = s.off
			return span, nil
		}
	}
}

func (s *Scanner) skip(n int64) error {
	if n == 0 {
		return nil
	}
	if _, err := s.r.Seek(n, io.SeekCurrent); err != nil {
		return err
	}
	return nil
}

func trimNULs(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
