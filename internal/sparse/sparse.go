// Package sparse detects the data regions of hole-bearing files and places
// them again on extraction. Detection reads the file in fixed chunks and
// treats an all-zero chunk as a hole, which may classify small holes as data
// but never the reverse: the encoding stays a correctness-safe
// approximation.
package sparse

import (
	"io"
	"os"

	"github.com/distr1/dtar/internal/tarfmt"
	"golang.org/x/xerrors"
)

// chunkSize is the detection granularity. Holes smaller than a chunk are
// stored as data.
const chunkSize = 64 * 1024

// Detect scans f and returns its data regions in file order. The file
// offset is left at EOF.
func Detect(f *os.File, size int64) ([]tarfmt.Region, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var (
		regions []tarfmt.Region
		buf     = make([]byte, chunkSize)
		off     int64
		start   int64
		inData  bool
	)
	for off < size {
		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		hole := allZero(buf[:n])
		switch {
		case hole && inData:
			regions = append(regions, tarfmt.Region{Offset: start, Length: off - start})
			inData = false
		case !hole && !inData:
			start = off
			inData = true
		}
		off += int64(n)
		if err == io.ErrUnexpectedEOF {
			break
		}
	}
	if inData {
		regions = append(regions, tarfmt.Region{Offset: start, Length: off - start})
	}
	// A trailing hole still needs a final zero-length region so the
	// extracted file ends at the right length even on filesystems where
	// truncate alone does not extend.
	if !inData && size > 0 {
		regions = append(regions, tarfmt.Region{Offset: size, Length: 0})
	}
	return regions, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Worthy decides whether the detected regions justify sparse encoding:
// either the payload shrinks by more than a tenth or the file genuinely
// fragments into several regions.
func Worthy(regions []tarfmt.Region, logical int64) bool {
	if logical == 0 {
		return false
	}
	var physical int64
	for _, r := range regions {
		physical += r.Length
	}
	return physical*10 < logical*9 || len(regions) > 1
}

// WriteData streams the data regions of f to w, in map order. The caller
// pads the archive; WriteData returns the physical byte count it produced.
func WriteData(w io.Writer, f *os.File, regions []tarfmt.Region) (int64, error) {
	var physical int64
	for _, r := range regions {
		if _, err := f.Seek(r.Offset, io.SeekStart); err != nil {
			return physical, err
		}
		n, err := io.CopyN(w, f, r.Length)
		physical += n
		if err != nil {
			return physical, xerrors.Errorf("sparse region at %d: %w", r.Offset, err)
		}
	}
	return physical, nil
}

// Extract materializes a sparse entry: the file is sized to its logical
// length (holes appear lazily on filesystems that support them) and each
// region is seeked to and filled from the archive stream.
func Extract(f *os.File, r io.Reader, regions []tarfmt.Region, logical int64) error {
	if err := f.Truncate(logical); err != nil {
		// No sparse support (or no truncate): fall back to writing the
		// holes out as zeros.
		return extractDense(f, r, regions, logical)
	}
	for _, reg := range regions {
		if reg.Length == 0 {
			continue
		}
		if _, err := f.Seek(reg.Offset, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(f, r, reg.Length); err != nil {
			return xerrors.Errorf("sparse region at %d: %w", reg.Offset, err)
		}
	}
	return nil
}

// extractDense writes the full logical content, zero-filling the holes.
func extractDense(f *os.File, r io.Reader, regions []tarfmt.Region, logical int64) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	zeros := make([]byte, chunkSize)
	pos := int64(0)
	fill := func(upto int64) error {
		for pos < upto {
			n := upto - pos
			if n > chunkSize {
				n = chunkSize
			}
			if _, err := f.Write(zeros[:n]); err != nil {
				return err
			}
			pos += n
		}
		return nil
	}
	for _, reg := range regions {
		if err := fill(reg.Offset); err != nil {
			return err
		}
		if reg.Length == 0 {
			continue
		}
		if _, err := io.CopyN(f, r, reg.Length); err != nil {
			return xerrors.Errorf("sparse region at %d: %w", reg.Offset, err)
		}
		pos += reg.Length
	}
	return fill(logical)
}
