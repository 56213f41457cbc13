// Package resolver discovers remote executor endpoints through DNS SRV
// records. Each deployment publishes one SRV record per executor daemon;
// operators point the dispatcher at the service name instead of
// hardcoding addresses.
package resolver

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// DefaultDNSServer is the systemd-resolved stub listener used when no
// server is configured.
const DefaultDNSServer = "127.0.0.53:53"

// Endpoint is a resolved executor address with its SRV priority.
type Endpoint struct {
	Addr     string
	Priority uint16
	Weight   uint16
}

// ServiceResolver resolves executor service names to endpoint addresses.
type ServiceResolver struct {
	client    *dns.Client
	dnsServer string
	log       *slog.Logger
}

// NewServiceResolver creates a resolver querying the given DNS server.
// An empty dnsServer falls back to DefaultDNSServer.
func NewServiceResolver(dnsServer string, log *slog.Logger) *ServiceResolver {
	if dnsServer == "" {
		dnsServer = DefaultDNSServer
	}
	return &ServiceResolver{
		client:    new(dns.Client),
		dnsServer: dnsServer,
		log:       log,
	}
}

// ResolveEndpoints resolves a service name to executor endpoints, sorted
// by SRV priority (lowest first) then descending weight.
//
// Returns an error if the query fails or no SRV records exist.
func (r *ServiceResolver) ResolveEndpoints(serviceName string) ([]Endpoint, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{
		{Name: dns.Fqdn(serviceName), Qtype: dns.TypeSRV, Qclass: dns.ClassINET},
	}

	in, _, err := r.client.Exchange(m, r.dnsServer)
	if err != nil {
		return nil, fmt.Errorf("srv lookup for %s failed: %w", serviceName, err)
	}

	endpoints := make([]Endpoint, 0, len(in.Answer))
	for _, answer := range in.Answer {
		srv, ok := answer.(*dns.SRV)
		if !ok {
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Addr:     fmt.Sprintf("%s:%d", strings.TrimSuffix(srv.Target, "."), srv.Port),
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no SRV records for %s", serviceName)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Priority != endpoints[j].Priority {
			return endpoints[i].Priority < endpoints[j].Priority
		}
		return endpoints[i].Weight > endpoints[j].Weight
	})

	r.log.Debug("Resolved executor endpoints",
		slog.String("service", serviceName),
		slog.Int("count", len(endpoints)))
	return endpoints, nil
}

// ResolveAddr resolves a service name to the single best endpoint
// address. Used when a flag accepts either a literal host:port or a
// srv+ prefixed service name.
func (r *ServiceResolver) ResolveAddr(serviceName string) (string, error) {
	endpoints, err := r.ResolveEndpoints(serviceName)
	if err != nil {
		return "", err
	}
	return endpoints[0].Addr, nil
}

// MaybeResolve passes literal addresses through unchanged and resolves
// addresses with a srv+ prefix, e.g. srv+_executor._tcp.example.com.
func (r *ServiceResolver) MaybeResolve(addr string) (string, error) {
	name, ok := strings.CutPrefix(addr, "srv+")
	if !ok {
		return addr, nil
	}
	return r.ResolveAddr(name)
}
