// Package resolve turns seed host names into scan targets. A name is looked
// up as a _minecraft._tcp SRV record first, the same way game clients do,
// and falls back to its A records crossed with the configured ports.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/scanning"
)

// SRVService is the SRV prefix game clients query before connecting.
const SRVService = "_minecraft._tcp."

const resolvConf = "/etc/resolv.conf"

// Resolver queries a single DNS server.
type Resolver struct {
	server string
	client *dns.Client
	logger *logging.Logger
}

// New creates a resolver for server ("host:port"). An empty server uses
// the first nameserver of /etc/resolv.conf.
func New(server string, timeout time.Duration) (*Resolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolvConf, err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameserver in %s", resolvConf)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		logger: logging.Default().WithComponent("resolve"),
	}, nil
}

// Server returns the nameserver address in use.
func (r *Resolver) Server() string {
	return r.server
}

// Resolve returns the targets behind hosts. Entries may be names, "name:port"
// or address literals. Names without an SRV record are crossed with ports.
// Per-host failures are joined into the returned error while the targets
// of the other hosts are still returned.
func (r *Resolver) Resolve(ctx context.Context, hosts []string, ports []uint16) ([]scanning.ScanTarget, error) {
	if len(ports) == 0 {
		ports = []uint16{scanning.DefaultPort}
	}

	var targets []scanning.ScanTarget
	var errs []error
	for _, host := range hosts {
		found, err := r.resolveHost(ctx, host, ports)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		r.logger.Debug("Resolved seed host", "host", host, "targets", len(found))
		targets = append(targets, found...)
	}
	return targets, errors.Join(errs...)
}

func (r *Resolver) resolveHost(ctx context.Context, host string, ports []uint16) ([]scanning.ScanTarget, error) {
	name, explicitPort, err := splitHostPort(host)
	if err != nil {
		return nil, err
	}
	if explicitPort != 0 {
		ports = []uint16{explicitPort}
	}

	if addr, err := netip.ParseAddr(name); err == nil {
		return crossPorts(name, []netip.Addr{addr}, ports, false), nil
	}

	// An explicit port bypasses SRV, as it does for clients.
	if explicitPort == 0 {
		targets, err := r.lookupSRV(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(targets) > 0 {
			return targets, nil
		}
	}

	addrs, err := r.lookupA(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no A records")
	}
	return crossPorts(name, addrs, ports, true), nil
}

// lookupSRV resolves the SRV record of name. Target addresses come from the
// additional section when the server supplied them.
func (r *Resolver) lookupSRV(ctx context.Context, name string) ([]scanning.ScanTarget, error) {
	in, err := r.exchange(ctx, SRVService+dns.Fqdn(name), dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	glue := make(map[string][]netip.Addr)
	for _, rr := range in.Extra {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				key := strings.ToLower(a.Hdr.Name)
				glue[key] = append(glue[key], addr)
			}
		}
	}

	var targets []scanning.ScanTarget
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok || srv.Target == "." {
			continue
		}
		addrs, ok := glue[strings.ToLower(srv.Target)]
		if !ok {
			addrs, err = r.lookupA(ctx, srv.Target)
			if err != nil {
				return nil, err
			}
		}
		for _, addr := range addrs {
			t := scanning.NewScanTarget(addr, srv.Port)
			t.Host = name
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func (r *Resolver) lookupA(ctx context.Context, name string) ([]netip.Addr, error) {
	in, err := r.exchange(ctx, dns.Fqdn(name), dns.TypeA)
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// exchange sends one recursive query. NXDOMAIN is an empty answer, any
// other failure rcode is an error.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("%s query for %s failed: %w", dns.TypeToString[qtype], name, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return in, nil
	default:
		return nil, fmt.Errorf("%s query for %s failed: %s",
			dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode])
	}
}

// splitHostPort accepts "name", "name:port", "addr", "addr:port" and
// "[v6]:port".
func splitHostPort(host string) (string, uint16, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host, 0, nil
	}
	if !strings.Contains(host, ":") {
		return host, 0, nil
	}

	name, portStr, err := net.SplitHostPort(host)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return name, uint16(port), nil
}

func crossPorts(name string, addrs []netip.Addr, ports []uint16, named bool) []scanning.ScanTarget {
	targets := make([]scanning.ScanTarget, 0, len(addrs)*len(ports))
	for _, addr := range addrs {
		for _, port := range ports {
			t := scanning.NewScanTarget(addr, port)
			if named {
				t.Host = name
			}
			targets = append(targets, t)
		}
	}
	return targets
}
