package tarfmt

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Sparse maps travel in three shapes: the old GNU in-header map (type 'S'
// with entries in the header block and optional continuation blocks), the
// PAX 0.0/0.1 record forms, and the PAX 1.0 form. Emission uses the
// in-header map for the gnu/oldgnu dialects and PAX records (major=1,
// minor=0, with the map as comma-separated off,len pairs) for pax; decode
// accepts all of them.

// validateSparseMap reports whether regions are ordered, non-overlapping and
// contained in size.
func validateSparseMap(regions []Region, size int64) bool {
	if size < 0 {
		return false
	}
	var pre Region
	for _, cur := range regions {
		switch {
		case cur.Offset < 0 || cur.Length < 0:
			return false
		case cur.Offset > maxInt64-cur.Length:
			return false
		case cur.End() > size:
			return false
		case pre.End() > cur.Offset:
			return false
		}
		pre = cur
	}
	return true
}

const maxInt64 = 1<<63 - 1

// sparseMapString encodes regions as "off,len,off,len,...".
func sparseMapString(regions []Region) string {
	parts := make([]string, 0, 2*len(regions))
	for _, r := range regions {
		parts = append(parts, strconv.FormatInt(r.Offset, 10), strconv.FormatInt(r.Length, 10))
	}
	return strings.Join(parts, ",")
}

// parseSparseMapString decodes the comma-separated map record.
func parseSparseMapString(s string) ([]Region, error) {
	if s == "" {
		return []Region{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts)%2 != 0 {
		return nil, xerrors.Errorf("sparse map with odd field count: %w", ErrHeader)
	}
	regions := make([]Region, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		off, err1 := strconv.ParseInt(parts[i], 10, 64)
		length, err2 := strconv.ParseInt(parts[i+1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, xerrors.Errorf("sparse map entry %q,%q: %w", parts[i], parts[i+1], ErrHeader)
		}
		regions = append(regions, Region{Offset: off, Length: length})
	}
	return regions, nil
}

// sparsePAXRecords derives the PAX records describing hdr's sparse map.
func sparsePAXRecords(hdr *Header) []PaxRecord {
	return []PaxRecord{
		{paxGNUSparseMajor, "1"},
		{paxGNUSparseMinor, "0"},
		{paxGNUSparseName, hdr.Name},
		{paxGNUSparseRealSize, strconv.FormatInt(hdr.Size, 10)},
		{paxGNUSparseMap, sparseMapString(hdr.SparseMap)},
	}
}

// foldSparse0x0 rewrites the repeated GNU.sparse.offset/numbytes record
// pairs of the PAX 0.0 sparse format into a single map record, leaving all
// other records untouched. Pair order is validated; 0.0 predates the
// versioned records, so nothing else identifies it.
func foldSparse0x0(records []PaxRecord) ([]PaxRecord, error) {
	var rest []PaxRecord
	var pairs []string
	for _, rec := range records {
		switch rec.Key {
		case paxGNUSparseOffset:
			if len(pairs)%2 != 0 || strings.Contains(rec.Value, ",") {
				return nil, xerrors.Errorf("sparse 0.0 records out of order: %w", ErrHeader)
			}
			pairs = append(pairs, rec.Value)
		case paxGNUSparseNumBytes:
			if len(pairs)%2 != 1 || strings.Contains(rec.Value, ",") {
				return nil, xerrors.Errorf("sparse 0.0 records out of order: %w", ErrHeader)
			}
			pairs = append(pairs, rec.Value)
		default:
			rest = append(rest, rec)
		}
	}
	if len(pairs) > 0 {
		rest = append(rest, PaxRecord{paxGNUSparseMap, strings.Join(pairs, ",")})
	}
	return rest, nil
}

// sparseFromPAX interprets the sparse-related records merged into hdr. It
// returns nil regions when the entry is not sparse, and reports via
// mapInData when the map must be read from the head of the data section
// (true PAX 1.0 archives).
func sparseFromPAX(hdr *Header) (regions []Region, mapInData bool, err error) {
	recs := hdr.PAXRecords
	major, minor := recs[paxGNUSparseMajor], recs[paxGNUSparseMinor]
	mapRecord, hasMap := recs[paxGNUSparseMap]
	switch {
	case major == "1" && minor == "0":
		// Upstream 1.0 stores the map at the head of the data; the pax
		// emission of this tool stores it in the map record instead.
		mapInData = !hasMap
	case major == "0" && (minor == "0" || minor == "1"):
	case major != "" || minor != "":
		return nil, false, nil // unknown sparse version, leave entry dense
	case !hasMap:
		return nil, false, nil // not sparse at all
	}

	if name := recs[paxGNUSparseName]; name != "" {
		hdr.Name = name
	}
	size := recs[paxGNUSparseRealSize]
	if size == "" {
		size = recs[paxGNUSparseSize]
	}
	if size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return nil, false, xerrors.Errorf("sparse realsize %q: %w", size, ErrHeader)
		}
		hdr.Size = n
	}
	if mapInData {
		return nil, true, nil
	}
	regions, err = parseSparseMapString(mapRecord)
	if err != nil {
		return nil, false, err
	}
	if n := recs[paxGNUSparseNumBlocks]; n != "" {
		want, err := strconv.ParseInt(n, 10, 64)
		if err != nil || want != int64(len(regions)) {
			return nil, false, xerrors.Errorf("sparse map length disagrees with numblocks: %w", ErrHeader)
		}
	}
	return regions, false, nil
}
