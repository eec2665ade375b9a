package tarfmt

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Keywords of PAX extended-attribute records.
const (
	paxPath     = "path"
	paxLinkpath = "linkpath"
	paxSize     = "size"
	paxUid      = "uid"
	paxGid      = "gid"
	paxUname    = "uname"
	paxGname    = "gname"
	paxMtime    = "mtime"
	paxAtime    = "atime"
	paxCtime    = "ctime"

	paxSchilyXattr = "SCHILY.xattr."

	paxGNUSparse          = "GNU.sparse."
	paxGNUSparseMajor     = "GNU.sparse.major"
	paxGNUSparseMinor     = "GNU.sparse.minor"
	paxGNUSparseName      = "GNU.sparse.name"
	paxGNUSparseRealSize  = "GNU.sparse.realsize"
	paxGNUSparseMap       = "GNU.sparse.map"
	paxGNUSparseSize      = "GNU.sparse.size"
	paxGNUSparseNumBlocks = "GNU.sparse.numblocks"
	paxGNUSparseOffset    = "GNU.sparse.offset"
	paxGNUSparseNumBytes  = "GNU.sparse.numbytes"
)

// A PaxRecord is one "<len> <key>=<value>\n" record. Order matters: emission
// preserves record order so that unmodified attribute payloads round-trip
// byte-identically.
type PaxRecord struct {
	Key   string
	Value string
}

// parsePAXRecords decodes an attribute payload into its records. The length
// prefix counts every byte of the record, its own decimal digits included.
func parsePAXRecords(b []byte) ([]PaxRecord, error) {
	var records []PaxRecord
	for len(b) > 0 {
		sp := bytes.IndexByte(b, ' ')
		if sp <= 0 {
			return nil, xerrors.Errorf("pax record: missing length prefix: %w", ErrHeader)
		}
		n, err := strconv.Atoi(string(b[:sp]))
		if err != nil || n < sp+2 || n > len(b) {
			return nil, xerrors.Errorf("pax record: bad length %q: %w", b[:sp], ErrHeader)
		}
		rec := b[sp+1 : n]
		b = b[n:]
		if len(rec) == 0 || rec[len(rec)-1] != '\n' {
			return nil, xerrors.Errorf("pax record: missing newline: %w", ErrHeader)
		}
		rec = rec[:len(rec)-1]
		eq := bytes.IndexByte(rec, '=')
		if eq <= 0 {
			return nil, xerrors.Errorf("pax record: missing key: %w", ErrHeader)
		}
		records = append(records, PaxRecord{
			Key:   string(rec[:eq]),
			Value: string(rec[eq+1:]), // may contain '=' and, for xattrs, NUL
		})
	}
	return records, nil
}

// appendPAXRecord appends one encoded record. The length field counts its own
// digits, so the total is found by fixed-point iteration: assume a digit
// count, recompute, repeat until stable (at most twice around a power of
// ten).
func appendPAXRecord(b []byte, key, value string) []byte {
	const fixed = 3 // " ", "=", "\n"
	base := len(key) + len(value) + fixed
	size := base + len(strconv.Itoa(base))
	if n := base + len(strconv.Itoa(size)); n > size {
		size = n
	}
	b = append(b, strconv.Itoa(size)...)
	b = append(b, ' ')
	b = append(b, key...)
	b = append(b, '=')
	b = append(b, value...)
	return append(b, '\n')
}

// emitPAXRecords encodes records in order.
func emitPAXRecords(records []PaxRecord) []byte {
	var b []byte
	for _, rec := range records {
		b = appendPAXRecord(b, rec.Key, rec.Value)
	}
	return b
}

// paxTime formats a time as decimal seconds, with a fractional part only
// when the time has sub-second precision.
func paxTime(t time.Time) string {
	sec := t.Unix()
	nsec := t.Nanosecond()
	if nsec == 0 {
		return strconv.FormatInt(sec, 10)
	}
	frac := strings.TrimRight(fmt.Sprintf("%09d", nsec), "0")
	return strconv.FormatInt(sec, 10) + "." + frac
}

// parsePAXTime parses decimal seconds with an optional fractional part at up
// to nanosecond precision.
func parsePAXTime(s string) (time.Time, error) {
	secs, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		secs, frac = s[:i], s[i+1:]
	}
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Errorf("pax time %q: %w", s, ErrHeader)
	}
	var nsec int64
	if frac != "" {
		f := (frac + "000000000")[:9]
		nsec, err = strconv.ParseInt(f, 10, 64)
		if err != nil {
			return time.Time{}, xerrors.Errorf("pax time %q: %w", s, ErrHeader)
		}
		if strings.HasPrefix(secs, "-") {
			nsec = -nsec
		}
	}
	return time.Unix(sec, nsec), nil
}

// mergePAX folds attribute records into hdr, overriding the block-resident
// fields. Unknown keys stay visible through Header.PAXRecords.
func mergePAX(hdr *Header, records []PaxRecord) error {
	if len(records) == 0 {
		return nil
	}
	if hdr.PAXRecords == nil {
		hdr.PAXRecords = make(map[string]string, len(records))
	}
	for _, rec := range records {
		v := rec.Value
		var err error
		switch rec.Key {
		case paxPath:
			hdr.Name = v
		case paxLinkpath:
			hdr.Linkname = v
		case paxUname:
			hdr.Uname = v
		case paxGname:
			hdr.Gname = v
		case paxUid:
			var id int64
			id, err = strconv.ParseInt(v, 10, 64)
			hdr.Uid = int(id)
		case paxGid:
			var id int64
			id, err = strconv.ParseInt(v, 10, 64)
			hdr.Gid = int(id)
		case paxSize:
			hdr.Size, err = strconv.ParseInt(v, 10, 64)
		case paxMtime:
			hdr.ModTime, err = parsePAXTime(v)
		case paxAtime:
			hdr.AccessTime, err = parsePAXTime(v)
		case paxCtime:
			hdr.ChangeTime, err = parsePAXTime(v)
		}
		if err != nil {
			return err
		}
		hdr.PAXRecords[rec.Key] = v
	}
	hdr.Format = FormatPAX
	return nil
}

// paxRecordsForHeader derives the records a PAX emission needs beyond what
// the ustar block can carry. Records appear in a fixed order (standard keys
// first, then vendor keys sorted) so identical headers produce identical
// bytes.
func paxRecordsForHeader(hdr *Header) []PaxRecord {
	var records []PaxRecord
	add := func(key, value string) {
		records = append(records, PaxRecord{Key: key, Value: value})
	}
	if len(hdr.Name) > 100 {
		if _, _, ok := splitName(hdr.Name); !ok {
			add(paxPath, hdr.Name)
		}
	}
	if len(hdr.Linkname) > 100 {
		add(paxLinkpath, hdr.Linkname)
	}
	if !fitsInOctal(12, hdr.Size) {
		add(paxSize, strconv.FormatInt(hdr.Size, 10))
	}
	if !fitsInOctal(8, int64(hdr.Uid)) {
		add(paxUid, strconv.Itoa(hdr.Uid))
	}
	if !fitsInOctal(8, int64(hdr.Gid)) {
		add(paxGid, strconv.Itoa(hdr.Gid))
	}
	if len(hdr.Uname) > 32 {
		add(paxUname, hdr.Uname)
	}
	if len(hdr.Gname) > 32 {
		add(paxGname, hdr.Gname)
	}
	if !hdr.ModTime.IsZero() && (hdr.ModTime.Nanosecond() != 0 || !fitsInOctal(12, hdr.ModTime.Unix())) {
		add(paxMtime, paxTime(hdr.ModTime))
	}
	if !hdr.AccessTime.IsZero() {
		add(paxAtime, paxTime(hdr.AccessTime))
	}
	if !hdr.ChangeTime.IsZero() {
		add(paxCtime, paxTime(hdr.ChangeTime))
	}

	var vendor []string
	for k := range hdr.PAXRecords {
		if strings.HasPrefix(k, paxGNUSparse) {
			continue // sparse records are derived from SparseMap, not copied
		}
		switch k {
		case paxPath, paxLinkpath, paxSize, paxUid, paxGid, paxUname, paxGname,
			paxMtime, paxAtime, paxCtime:
			// Block-resident or derived above.
		default:
			vendor = append(vendor, k)
		}
	}
	sort.Strings(vendor)
	for _, k := range vendor {
		add(k, hdr.PAXRecords[k])
	}
	return records
}
