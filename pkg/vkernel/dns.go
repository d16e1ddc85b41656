package vkernel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/dns"
	"github.com/vkernel/vkernel/internal/netstack/socket"
	"github.com/vkernel/vkernel/internal/netstack/udp"
)

// pollInterval is how often socketTransport polls its receive queue while
// waiting for a reply; real wall-clock time, independent of the simulated
// clock used for TCP/DHCP timing elsewhere, since this loop is waiting on
// actual I/O rather than simulated time passing.
const pollInterval = 5 * time.Millisecond

// socketTransport implements dns.Transport over one UDP socket bound to an
// ephemeral port, satisfying the Transport doc comment's "a UDP socket
// wired to port 53 in the kernel façade" (spec §4.10).
type socketTransport struct {
	sock *socket.Socket
}

func (t *socketTransport) Query(ctx context.Context, server netip.Addr, query []byte) ([]byte, error) {
	if _, err := t.sock.SendTo(server, 53, query); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, kerr.New(kerr.Timeout, "vkernel.socketTransport.Query")
		case <-ticker.C:
			_, _, payload, err := t.sock.RecvFrom()
			if err == nil {
				return payload, nil
			}
			if !errors.Is(err, kerr.IsWouldBlock) {
				return nil, err
			}
		}
	}
}

// buildDNSResolver wires a dns.Resolver over socketTransport when servers
// are configured; DNSResolver stays nil otherwise (spec §4.10 "at least one
// configured server" is optional — the cache still runs unresolved).
func (k *Kernel) buildDNSResolver() error {
	servers := k.cfg.DNS.Addrs()
	if len(servers) == 0 {
		return nil
	}

	sock, err := k.NewSocket(socket.TypeDgram, int(udp.Protocol))
	if err != nil {
		return fmt.Errorf("dns transport socket: %w", err)
	}
	if err := sock.Bind(unspecifiedAddr, 0); err != nil {
		return fmt.Errorf("dns transport bind: %w", err)
	}
	k.dnsSocket = sock

	resolver, err := dns.NewResolver(k.DNSCache, servers, &socketTransport{sock: sock})
	if err != nil {
		return err
	}
	k.DNSResolver = resolver
	return nil
}
