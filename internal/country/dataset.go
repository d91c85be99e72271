package country

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/serverseeker/internal/db"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ParseDataset reads a start_ip,end_ip,country CSV, plain or gzip
// compressed. Addresses may be dotted quads or decimal integers. A header
// row, comment lines, IPv6 rows and malformed rows are skipped. The result
// is sorted by start address and overlapping ranges keep the first range
// seen for each start.
func ParseDataset(r io.Reader) ([]db.CountryRange, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return parseCSV(zr)
	}
	return parseCSV(br)
}

func parseCSV(r io.Reader) ([]db.CountryRange, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	var ranges []db.CountryRange
	for line := 1; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) < 3 {
			continue
		}

		start, ok1 := parseIPv4(record[0])
		end, ok2 := parseIPv4(record[1])
		code := strings.ToUpper(strings.TrimSpace(record[2]))
		if !ok1 || !ok2 || len(code) != 2 || end.Less(start) {
			continue
		}
		ranges = append(ranges, db.CountryRange{Start: start, End: end, Country: code})
	}

	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].Start.Less(ranges[j].Start) })
	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && out[n-1].Start == r.Start {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func parseIPv4(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if addr, err := netip.ParseAddr(s); err == nil {
		addr = addr.Unmap()
		return addr, addr.Is4()
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return netip.Addr{}, false
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return netip.AddrFrom4(b), true
}
