// Package vkernel is the façade tying the network stack (Core A) and the
// scheduler (Core B) together into one runnable process: it builds every
// subsystem from a config.Config, wires the protocol layers' upper-handler
// registration points, and runs the dispatcher/load-balancer/timer worker
// under one errgroup, the way controlplane/cmd/yncp-director/main.go runs
// its director + signal wait under one errgroup.
package vkernel

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/config"
	"github.com/vkernel/vkernel/internal/netstack/arp"
	"github.com/vkernel/vkernel/internal/netstack/dhcp"
	"github.com/vkernel/vkernel/internal/netstack/dns"
	"github.com/vkernel/vkernel/internal/netstack/ethernet"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/netfilter"
	"github.com/vkernel/vkernel/internal/netstack/route"
	"github.com/vkernel/vkernel/internal/netstack/socket"
	"github.com/vkernel/vkernel/internal/netstack/tcp"
	"github.com/vkernel/vkernel/internal/netstack/udp"
	"github.com/vkernel/vkernel/internal/sched"
	"github.com/vkernel/vkernel/internal/timerworker"
)

// unspecifiedAddr is the wildcard bind address 0.0.0.0. net/netip has no
// IPv4Unspecified constructor; AddrFrom4 of the zero array is the valid
// 0.0.0.0 address.
var unspecifiedAddr = netip.AddrFrom4([4]byte{})

// broadcastAddr is the limited broadcast address 255.255.255.255, used by a
// DHCP client before it has a configured address (spec §4.11).
var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Kernel owns every subsystem built from one config.Config and runs them as
// one coordinated set of workers (spec §9: "one process, one address
// space, cooperating goroutines").
type Kernel struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	cfg   *config.Config

	ifaces map[string]*iface.Interface

	Routes      *route.Table
	ARP         *arp.Table
	arpResolver *arp.Resolver
	ethDemux    *ethernet.Demux
	Reassembler *ip.Reassembler
	Stack       *ip.Stack
	Filter      *netfilter.Filter
	ConnTrack   *netfilter.ConnTrack

	UDPRegistry *udp.Registry
	TCPRegistry *tcp.Registry

	DNSCache    *dns.Cache
	DNSResolver *dns.Resolver
	dnsSocket   *socket.Socket

	dhcpClients []*dhcpBinding

	Scheduler    *sched.Scheduler
	Dispatcher   *sched.Dispatcher
	LoadBalancer *sched.LoadBalancer

	Timer *timerworker.Worker
}

// Init builds every subsystem from cfg: interfaces, routes, ARP, the
// ethernet demux, the IP stack (with netfilter and conntrack wired in),
// UDP/TCP/ICMP upper handlers, DNS, DHCP clients, the scheduler, and the
// timer worker that sweeps all of their aging state.
func Init(cfg *config.Config, log *zap.SugaredLogger, clk clock.Clock) (*Kernel, error) {
	k := &Kernel{log: log, clock: clk, cfg: cfg, ifaces: make(map[string]*iface.Interface)}

	if err := k.buildInterfaces(); err != nil {
		return nil, fmt.Errorf("vkernel: interfaces: %w", err)
	}

	k.Routes = route.New()
	if err := k.buildRoutes(); err != nil {
		return nil, fmt.Errorf("vkernel: routes: %w", err)
	}

	k.ARP = arp.New(clk)
	k.arpResolver = arp.NewResolver(k.ARP)

	k.Reassembler = ip.NewReassembler(clk)
	k.Stack = ip.NewStack(k.Routes, k.Reassembler, k.arpResolver, k.isLocalAddr)

	filter, err := cfg.NetFilter.Compile()
	if err != nil {
		return nil, fmt.Errorf("vkernel: netfilter: %w", err)
	}
	k.Filter = filter
	k.ConnTrack = netfilter.NewConnTrack(clk)
	wireConnTrack(k.Filter, k.ConnTrack)
	k.Stack.Filter = k.Filter

	k.ethDemux = ethernet.New()
	k.ethDemux.Register(ethernet.EtherTypeARP, k.arpResolver.Input)
	k.ethDemux.Register(ethernet.EtherTypeIP, k.Stack.Input)
	for _, ifc := range k.ifaces {
		ifc.Recv = k.ethDemux.Input
	}

	k.UDPRegistry = udp.NewRegistry()
	k.TCPRegistry = tcp.NewRegistry()
	k.Stack.RegisterUpper(ip.ProtoICMP, k.handleICMP)
	k.Stack.RegisterUpper(ip.ProtoUDP, k.handleUDP)
	k.Stack.RegisterUpper(ip.ProtoTCP, k.handleTCP)

	k.DNSCache = dns.NewCache(clk)
	if err := k.buildDNSResolver(); err != nil {
		return nil, fmt.Errorf("vkernel: dns: %w", err)
	}

	if err := k.buildDHCPClients(); err != nil {
		return nil, fmt.Errorf("vkernel: dhcp: %w", err)
	}

	k.Scheduler = sched.New(clk, cfg.Scheduler.NumCPUs, schedulerTunables(cfg.Scheduler))
	k.Dispatcher = sched.NewDispatcher(k.Scheduler)
	k.LoadBalancer = sched.NewLoadBalancer(k.Scheduler)

	k.Timer = timerworker.New(log)
	k.registerSweepers()

	return k, nil
}

// schedulerTunables maps the config surface (spec §6) onto sched.Tunables:
// sched deliberately doesn't import internal/config, so the façade does the
// translation.
func schedulerTunables(c config.SchedulerConfig) sched.Tunables {
	return sched.Tunables{
		SchedLatency:            c.SchedLatency,
		MinGranularity:          c.SchedMinGranularity,
		WakeupGranularity:       c.SchedWakeupGranularity,
		BalanceInterval:         c.BalanceInterval,
		MaxMigrationsPerBalance: c.NrMigrate,
		RTPeriod:                c.RTPeriod,
		RTRuntime:               c.RTRuntime,
	}
}

func (k *Kernel) buildInterfaces() error {
	index := 1
	for _, ic := range k.cfg.Interfaces {
		ifc, err := ic.Build(index)
		if err != nil {
			return err
		}
		k.ifaces[ifc.Name] = ifc
		index++
	}
	return nil
}

func (k *Kernel) buildRoutes() error {
	for i, rc := range k.cfg.Routes {
		r, err := rc.Build(k.ifaces)
		if err != nil {
			return fmt.Errorf("route[%d]: %w", i, err)
		}
		if err := k.Routes.Add(r); err != nil {
			return fmt.Errorf("route[%d]: %w", i, err)
		}
	}
	return nil
}

// isLocalAddr reports whether addr is configured on any owned interface, is
// that interface's subnet broadcast address, or is the limited broadcast
// address (ip.Stack's LocalAddr callback, spec §4.3 Input). The broadcast
// cases matter chiefly for DHCP: offers and acks arrive addressed to
// 255.255.255.255 (or the interface's subnet broadcast) while the client
// that solicited them has no unicast address configured yet.
func (k *Kernel) isLocalAddr(addr netip.Addr) bool {
	if addr == broadcastAddr {
		return true
	}
	for _, ifc := range k.ifaces {
		if ifc.Addr == addr {
			return true
		}
		if ifc.Broadcast.IsValid() && ifc.Broadcast == addr {
			return true
		}
	}
	return false
}

// Interface looks up one of the kernel's built interfaces by name, for
// callers (tests, a future control surface) that need to drive Recv/Send
// directly.
func (k *Kernel) Interface(name string) (*iface.Interface, bool) {
	ifc, ok := k.ifaces[name]
	return ifc, ok
}

// NewSocket allocates a socket wired to this kernel's stack and registries
// (spec §4.6 "socket(domain, type, protocol)").
func (k *Kernel) NewSocket(typ socket.Type, protocol int) (*socket.Socket, error) {
	return socket.New(socket.DomainInet, typ, protocol, k.Stack, k.UDPRegistry, k.TCPRegistry)
}

// Run starts every long-running worker (dispatcher, load balancer, timer
// worker, DHCP clients) and blocks until ctx is canceled or one of them
// fails, aggregating every worker's shutdown error the way
// controlplane/cmd/yncp-director/main.go's errgroup aggregates its
// director + signal-wait errors — except here every failure is collected
// via go-multierror rather than errgroup's first-error-wins, since a
// scheduler or DHCP client failure shouldn't be masked by the first one to
// return.
func (k *Kernel) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	errs := make(chan error, 3+len(k.dhcpClients))
	goCollect := func(run func(context.Context) error) {
		g.Go(func() error {
			err := run(gctx)
			errs <- err
			return err
		})
	}
	goCollect(k.Dispatcher.Run)
	goCollect(k.LoadBalancer.Run)
	goCollect(k.Timer.Run)
	for _, b := range k.dhcpClients {
		goCollect(b.run)
	}

	_ = g.Wait()
	close(errs)
	var result *multierror.Error
	for err := range errs {
		if err != nil && err != context.Canceled {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// registerSweepers wires every subsystem's periodic maintenance call into
// the one timer worker (spec §9: ARP expiration, reassembly timeouts,
// conntrack aging, DNS cache cleanup, dynamic route reclamation, TCP
// retransmission/TIME_WAIT).
func (k *Kernel) registerSweepers() {
	k.Timer.Register("arp", k.ARP.Sweep)
	k.Timer.Register("reassembly", k.Reassembler.Sweep)
	k.Timer.Register("conntrack", k.ConnTrack.Sweep)
	k.Timer.Register("dns-cache", k.DNSCache.Sweep)
	k.Timer.Register("routes", k.Routes.GCDynamic)
	k.Timer.Register("tcp", k.sweepTCP)
	for _, b := range k.dhcpClients {
		k.Timer.Register("dhcp-"+b.ifc.Name, b.sweep)
	}
}

// sweepTCP retransmits due segments and reaps expired TIME_WAIT
// connections across every live control block (spec §4.4, §9).
func (k *Kernel) sweepTCP() {
	now := k.clock.Now()
	for _, tuple := range k.TCPRegistry.Tuples() {
		cb, ok := k.TCPRegistry.Lookup(tuple)
		if !ok {
			continue
		}
		if cb.TimeWaitExpired(now) {
			k.TCPRegistry.Remove(tuple)
			continue
		}
		for _, seg := range cb.RetransmitSegments() {
			raw := tcp.EncodeSegment(seg)
			h := &ip.Header{Dst: tuple.RemoteAddr, Protocol: tcp.Protocol}
			if err := k.Stack.SendIPPacket(h, raw); err != nil {
				k.log.Debugw("tcp retransmit failed", "tuple", tuple, "error", err)
			}
		}
	}
}
