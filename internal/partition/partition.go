// Package partition maps URLs to partition keys and decides which partitions
// a frontier instance owns.
package partition

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

// Mode selects how partition keys are derived.
type Mode string

// Supported partition modes.
const (
	ModeHost     Mode = "host"
	ModeDomain   Mode = "domain"
	ModeIP       Mode = "ip"
	ModeMetadata Mode = "metadata"
)

const defaultLookupTimeout = 2 * time.Second

// Resolver is the subset of net.Resolver used by the IP partitioner.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config controls partitioner construction.
type Config struct {
	Mode          Mode
	MetadataKey   string
	Resolver      Resolver
	LookupTimeout time.Duration
}

// New builds the Partitioner for cfg.Mode.
func New(cfg Config) (frontier.Partitioner, error) {
	switch cfg.Mode {
	case ModeHost, "":
		return ByHost{}, nil
	case ModeDomain:
		return ByDomain{}, nil
	case ModeIP:
		resolver := cfg.Resolver
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		timeout := cfg.LookupTimeout
		if timeout <= 0 {
			timeout = defaultLookupTimeout
		}
		return ByIP{Resolver: resolver, Timeout: timeout}, nil
	case ModeMetadata:
		if cfg.MetadataKey == "" {
			return nil, fmt.Errorf("partition.metadata_key is required in metadata mode")
		}
		return ByMetadata{Key: cfg.MetadataKey}, nil
	default:
		return nil, fmt.Errorf("unknown partition mode %q", cfg.Mode)
	}
}

// ByHost partitions by lowercase hostname.
type ByHost struct{}

// Partition returns the URL's hostname.
func (ByHost) Partition(rawURL string, _ frontier.Metadata) (string, bool) {
	host := Host(rawURL)
	return host, host != ""
}

// ByDomain partitions by registered domain (eTLD+1), so that
// news.example.co.uk and www.example.co.uk share a partition.
type ByDomain struct{}

// Partition returns the URL's registered domain, falling back to the host
// for IP literals and hosts without a public suffix.
func (ByDomain) Partition(rawURL string, _ frontier.Metadata) (string, bool) {
	host := Host(rawURL)
	if host == "" {
		return "", false
	}
	if net.ParseIP(host) != nil {
		return host, true
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, true
	}
	return domain, true
}

// ByIP partitions by the first address the host resolves to.
type ByIP struct {
	Resolver Resolver
	Timeout  time.Duration
}

// Partition resolves the URL's host. Resolution failures yield no key.
func (p ByIP) Partition(rawURL string, _ frontier.Metadata) (string, bool) {
	host := Host(rawURL)
	if host == "" {
		return "", false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), true
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()
	addrs, err := p.Resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", false
	}
	return addrs[0].IP.String(), true
}

// ByMetadata partitions by the first value of a metadata key.
type ByMetadata struct {
	Key string
}

// Partition returns the first value stored under Key.
func (p ByMetadata) Partition(_ string, md frontier.Metadata) (string, bool) {
	v := md.First(p.Key)
	return v, v != ""
}

// Host extracts a lowercase hostname from a URL, tolerating a missing scheme.
// It returns "" when no host can be found.
func Host(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
