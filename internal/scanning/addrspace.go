package scanning

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"strconv"
	"strings"
)

const (
	// Port validation constants.
	expectedPortRangeParts = 2
	maxPort                = 65535
)

// DefaultExclusions lists IPv4 space that is never publicly routed.
var DefaultExclusions = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
}

// interval is an inclusive IPv4 range held as integers.
type interval struct {
	first, last uint64
}

type block struct {
	first  uint64
	size   uint64
	offset uint64 // addresses in all preceding blocks
}

// AddressSpace is the set of IPv4 addresses covered by the configured ranges
// minus the exclusions, crossed with a port list. Every (address, port) pair
// has a stable index in [0, Len()).
type AddressSpace struct {
	blocks    []block
	addrCount uint64
	ports     []uint16
}

// NewAddressSpace builds the address space. Overlapping ranges are merged so
// no address appears twice.
func NewAddressSpace(ranges, exclude []netip.Prefix, ports []uint16) (*AddressSpace, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("address space needs at least one port")
	}

	include, err := toIntervals(ranges)
	if err != nil {
		return nil, err
	}
	skip, err := toIntervals(exclude)
	if err != nil {
		return nil, err
	}

	s := &AddressSpace{ports: slices.Clone(ports)}
	for _, iv := range subtract(merge(include), merge(skip)) {
		size := iv.last - iv.first + 1
		s.blocks = append(s.blocks, block{first: iv.first, size: size, offset: s.addrCount})
		s.addrCount += size
	}
	if s.addrCount == 0 {
		return nil, fmt.Errorf("address space is empty after exclusions")
	}
	return s, nil
}

// Len returns the number of (address, port) candidates.
func (s *AddressSpace) Len() uint64 {
	return s.addrCount * uint64(len(s.ports))
}

// Addresses returns the number of distinct addresses.
func (s *AddressSpace) Addresses() uint64 {
	return s.addrCount
}

// Ports returns the configured ports.
func (s *AddressSpace) Ports() []uint16 {
	return slices.Clone(s.ports)
}

// At returns the candidate with index i. i must be below Len().
func (s *AddressSpace) At(i uint64) ScanTarget {
	nports := uint64(len(s.ports))
	addrIdx, portIdx := i/nports, i%nports

	b := sort.Search(len(s.blocks), func(j int) bool {
		return s.blocks[j].offset+s.blocks[j].size > addrIdx
	})
	blk := s.blocks[b]

	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], uint32(blk.first+addrIdx-blk.offset))
	return ScanTarget{Addr: netip.AddrFrom4(raw), Port: s.ports[portIdx]}
}

// Contains reports whether addr is part of the space.
func (s *AddressSpace) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	v := uint64(binary.BigEndian.Uint32(addr.AsSlice()))
	b := sort.Search(len(s.blocks), func(j int) bool {
		return s.blocks[j].first+s.blocks[j].size > v
	})
	return b < len(s.blocks) && s.blocks[b].first <= v
}

func toIntervals(prefixes []netip.Prefix) ([]interval, error) {
	out := make([]interval, 0, len(prefixes))
	for _, p := range prefixes {
		p = p.Masked()
		if !p.Addr().Unmap().Is4() {
			return nil, fmt.Errorf("only IPv4 ranges are supported: %s", p)
		}
		bits := p.Bits()
		if p.Addr().Is4In6() {
			if bits < 96 {
				return nil, fmt.Errorf("prefix %s is wider than the IPv4 space", p)
			}
			bits -= 96
		}
		first := uint64(binary.BigEndian.Uint32(p.Addr().Unmap().AsSlice()))
		out = append(out, interval{first: first, last: first + (uint64(1) << (32 - bits)) - 1})
	}
	return out, nil
}

func merge(in []interval) []interval {
	if len(in) == 0 {
		return nil
	}
	sorted := slices.Clone(in)
	slices.SortFunc(sorted, func(a, b interval) int {
		switch {
		case a.first < b.first:
			return -1
		case a.first > b.first:
			return 1
		default:
			return 0
		}
	})

	out := []interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.first <= last.last+1 {
			last.last = max(last.last, iv.last)
			continue
		}
		out = append(out, iv)
	}
	return out
}

// subtract removes every interval in skip from include. Both inputs must be
// merged.
func subtract(include, skip []interval) []interval {
	var out []interval
	for _, iv := range include {
		cur := iv
		empty := false
		for _, sk := range skip {
			if sk.last < cur.first || sk.first > cur.last {
				continue
			}
			if sk.first > cur.first {
				out = append(out, interval{first: cur.first, last: sk.first - 1})
			}
			if sk.last >= cur.last {
				empty = true
				break
			}
			cur.first = sk.last + 1
		}
		if !empty {
			out = append(out, cur)
		}
	}
	return out
}

// ParsePrefixes parses CIDR prefixes. A bare address is taken as a single
// host prefix.
func ParsePrefixes(specs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if !strings.Contains(spec, "/") {
			addr, err := netip.ParseAddr(spec)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", spec, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", spec, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ParsePorts parses a port specification such as "25565" or
// "25565-25570,25575" into a sorted list without duplicates.
func ParsePorts(spec string) ([]uint16, error) {
	var ports []uint16
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		first, last, err := parsePortPart(part)
		if err != nil {
			return nil, err
		}
		for p := first; p <= last; p++ {
			ports = append(ports, uint16(p))
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports specified")
	}
	slices.Sort(ports)
	return slices.Compact(ports), nil
}

func parsePortPart(part string) (first, last int, err error) {
	if !strings.Contains(part, "-") {
		p, err := parsePort(part)
		return p, p, err
	}

	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return 0, 0, fmt.Errorf("invalid port range format: %s", part)
	}
	if first, err = parsePort(rangeParts[0]); err != nil {
		return 0, 0, err
	}
	if last, err = parsePort(rangeParts[1]); err != nil {
		return 0, 0, err
	}
	if first > last {
		return 0, 0, fmt.Errorf("invalid port range %s: start port must not exceed end port", part)
	}
	return first, last, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port: %s", s)
	}
	if port < 1 || port > maxPort {
		return 0, fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return port, nil
}
