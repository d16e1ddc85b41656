package dns

import (
	"context"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vkernel/vkernel/internal/kerr"
)

// MaxServers is the largest number of configured resolvers queried in
// order (spec §4.10: "up to 4 configured servers").
const MaxServers = 4

// Transport sends a raw query to server and returns the raw response,
// satisfied by a UDP socket wired to port 53 in the kernel façade.
type Transport interface {
	Query(ctx context.Context, server netip.Addr, query []byte) ([]byte, error)
}

// Resolver resolves A records through a bounded cache and a small pool of
// upstream servers, retrying each with exponential backoff before moving to
// the next (spec §4.10).
type Resolver struct {
	Cache     *Cache
	Servers   []netip.Addr
	Transport Transport

	nextID uint16
}

// NewResolver builds a resolver; servers beyond MaxServers are rejected.
func NewResolver(cache *Cache, servers []netip.Addr, transport Transport) (*Resolver, error) {
	if len(servers) == 0 || len(servers) > MaxServers {
		return nil, kerr.New(kerr.InvalidArgument, "dns.NewResolver: server count")
	}
	return &Resolver{Cache: cache, Servers: servers, Transport: transport, nextID: 1}, nil
}

// Resolve returns the cached or freshly queried A records for name.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]string, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if addrs, ok := r.Cache.Get(name, TypeA); ok {
		return addrs, nil
	}

	var lastErr error
	for _, server := range r.Servers {
		addrs, ttl, err := r.queryOne(ctx, server, name)
		if err != nil {
			lastErr = err
			continue
		}
		r.Cache.Put(name, TypeA, addrs, ttl)
		return addrs, nil
	}
	if lastErr == nil {
		lastErr = kerr.New(kerr.HostUnreachable, "dns.Resolve: no servers configured")
	}
	return nil, lastErr
}

func (r *Resolver) queryOne(ctx context.Context, server netip.Addr, name string) ([]string, time.Duration, error) {
	op := func() ([]byte, error) {
		r.nextID++
		query, err := EncodeQuery(r.nextID, name, TypeA)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := r.Transport.Query(ctx, server, query)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	raw, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, 0, kerr.Wrap(kerr.Timeout, "dns.queryOne", err)
	}

	msg, err := Decode(raw)
	if err != nil {
		return nil, 0, err
	}
	if msg.Rcode != 0 {
		return nil, 0, kerr.New(kerr.HostUnreachable, "dns.queryOne: rcode")
	}

	var addrs []string
	var ttl time.Duration = DefaultTTL
	for _, rr := range msg.Answers {
		if rr.Type != TypeA || len(rr.Data) != 4 {
			continue
		}
		addr := netip.AddrFrom4([4]byte{rr.Data[0], rr.Data[1], rr.Data[2], rr.Data[3]})
		addrs = append(addrs, addr.String())
		ttl = time.Duration(rr.TTL) * time.Second
	}
	if len(addrs) == 0 {
		return nil, 0, kerr.New(kerr.NotFound, "dns.queryOne: no A records")
	}
	return addrs, ttl, nil
}
