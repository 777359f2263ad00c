// Package resolver turns a scan target into a dialable address once per scan.
// Names listed in the hosts file win. Other hostnames are looked up over DNS
// with the nameservers from resolv.conf, falling back to the system resolver
// when DNS gives no usable answer.
package resolver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
)

const (
	// DefaultConfigPath is where nameservers are read from.
	DefaultConfigPath = "/etc/resolv.conf"

	// DefaultHostsPath is the static host table consulted before DNS.
	DefaultHostsPath = "/etc/hosts"

	// DefaultTimeout bounds a single DNS exchange.
	DefaultTimeout = 2 * time.Second
)

// Options configures a Resolver. Zero values select the defaults.
type Options struct {
	// Nameservers as host:port. When empty they are read from ConfigPath.
	Servers    []string
	ConfigPath string
	HostsPath  string
	Timeout    time.Duration

	// Fallback is consulted when DNS fails. Defaults to net.DefaultResolver.
	Fallback *net.Resolver
	Logger   *logging.Logger
}

// Resolver resolves hostnames with miekg/dns.
type Resolver struct {
	servers  []string
	hosts    string
	client   *dns.Client
	fallback *net.Resolver
	logger   *logging.Logger
}

// New creates a Resolver. A missing or unreadable resolv.conf is not an
// error; the resolver then relies on its fallback.
func New(opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Fallback == nil {
		opts.Fallback = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.HostsPath == "" {
		opts.HostsPath = DefaultHostsPath
	}
	logger := opts.Logger.WithComponent("resolver")

	servers := opts.Servers
	if len(servers) == 0 {
		path := opts.ConfigPath
		if path == "" {
			path = DefaultConfigPath
		}
		conf, err := dns.ClientConfigFromFile(path)
		if err != nil {
			logger.Debug("No nameservers loaded, using system resolver", "path", path, "error", err)
		} else {
			for _, s := range conf.Servers {
				servers = append(servers, net.JoinHostPort(s, conf.Port))
			}
		}
	}

	return &Resolver{
		servers:  servers,
		hosts:    opts.HostsPath,
		client:   &dns.Client{Net: "udp", Timeout: opts.Timeout},
		fallback: opts.Fallback,
		logger:   logger,
	}
}

// Servers returns the nameservers queried, in order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Resolve returns an IP address for host. IP literals are returned as is and
// hosts file entries take precedence over DNS. IPv4 answers are preferred
// over IPv6.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.ErrInvalidTarget(host)
	}

	// Bracketed IPv6 literals are accepted too.
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), nil
	}

	if addr, ok := r.lookupHosts(host); ok {
		r.logger.Debug("Resolved host from hosts file", "host", host, "address", addr, "path", r.hosts)
		return addr, nil
	}

	if !isLocalName(host) && len(r.servers) > 0 {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			addr, err := r.query(ctx, host, qtype)
			if err == nil {
				r.logger.Debug("Resolved host", "host", host, "address", addr, "type", dns.TypeToString[qtype])
				return addr, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.logger.Debug("DNS lookup failed", "host", host, "type", dns.TypeToString[qtype], "error", err)
		}
	}

	return r.lookupSystem(ctx, host)
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[in.Rcode])
			continue
		}
		for _, rr := range in.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if qtype == dns.TypeA {
					return v.A.String(), nil
				}
			case *dns.AAAA:
				if qtype == dns.TypeAAAA {
					return v.AAAA.String(), nil
				}
			}
		}
		lastErr = fmt.Errorf("%s returned no %s records", server, dns.TypeToString[qtype])
	}
	return "", lastErr
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) (string, error) {
	addrs, err := r.fallback.LookupIPAddr(ctx, host)
	if err != nil {
		return "", errors.WrapScanErrorWithTarget(errors.CodeHostUnreachable, "failed to resolve host", host, err)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP.String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP.String(), nil
	}
	return "", errors.NewScanErrorWithTarget(errors.CodeHostUnreachable, "host has no addresses", host)
}

// lookupHosts finds host in the hosts file. A missing file has no entries.
func (r *Resolver) lookupHosts(host string) (string, bool) {
	f, err := os.Open(r.hosts)
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()

	name := canonicalName(host)
	var v6 string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		for _, alias := range fields[1:] {
			if canonicalName(alias) != name {
				continue
			}
			if ip.To4() != nil {
				return ip.String(), true
			}
			if v6 == "" {
				v6 = ip.String()
			}
		}
	}
	return v6, v6 != ""
}

func canonicalName(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// isLocalName reports names that only the hosts file knows about.
func isLocalName(host string) bool {
	h := canonicalName(host)
	return h == "localhost" || strings.HasSuffix(h, ".localhost")
}
