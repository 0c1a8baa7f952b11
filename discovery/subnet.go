package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"connecto/logger"
	"connecto/models"
	"connecto/network"
)

const (
	// DefaultProbeConcurrency bounds simultaneous probes.
	DefaultProbeConcurrency = 50
	// DefaultConnectTimeout bounds each probe's TCP connect.
	DefaultConnectTimeout = 500 * time.Millisecond
	// DefaultProbeTimeout bounds the Hello/HelloAck round of a probe.
	DefaultProbeTimeout = 2 * time.Second
)

// ScannerConfig controls a SubnetScanner.
type ScannerConfig struct {
	Port           int
	Concurrency    int
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	Logger         logger.Logger

	localAddrs func() ([]net.IP, error)
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	out := c
	if out.Port <= 0 {
		out.Port = network.DefaultPort
	}
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultProbeConcurrency
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.Logger == nil {
		out.Logger = logger.Noop()
	}
	if out.localAddrs == nil {
		out.localAddrs = LocalIPv4Addresses
	}
	return out
}

// SubnetScanner finds listeners by probing addresses directly, for networks
// where multicast is blocked.
type SubnetScanner struct {
	cfg ScannerConfig
}

// NewSubnetScanner creates a scanner.
func NewSubnetScanner(config ScannerConfig) *SubnetScanner {
	return &SubnetScanner{cfg: config.withDefaults()}
}

// Scan probes the subnets around every local IPv4 address. Failed probes are
// skipped silently.
func (s *SubnetScanner) Scan(ctx context.Context) ([]models.DiscoveredDevice, error) {
	locals, err := s.cfg.localAddrs()
	if err != nil {
		return nil, err
	}
	if len(locals) == 0 {
		s.cfg.Logger.Warn("no local IPv4 addresses found for subnet scanning")
		return []models.DiscoveredDevice{}, nil
	}

	candidates := ScanRange(locals)
	s.cfg.Logger.Debug("scanning %d hosts around %d local address(es)", len(candidates), len(locals))
	return s.ScanIPs(ctx, candidates), nil
}

// ScanSubnets probes every host of the given CIDR ranges.
func (s *SubnetScanner) ScanSubnets(ctx context.Context, cidrs []string) ([]models.DiscoveredDevice, error) {
	seen := make(map[string]struct{})
	var candidates []net.IP
	for _, cidr := range cidrs {
		ips, err := ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			key := ip.String()
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, ip)
		}
	}
	return s.ScanIPs(ctx, candidates), nil
}

// ScanIPs probes ips with at most Concurrency probes in flight and returns
// the responders ordered by address.
func (s *SubnetScanner) ScanIPs(ctx context.Context, ips []net.IP) []models.DiscoveredDevice {
	var (
		mu      sync.Mutex
		devices []models.DiscoveredDevice
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, ip := range ips {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			device, ok := s.Probe(gctx, ip)
			if ok {
				mu.Lock()
				devices = append(devices, device)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(devices, func(i, j int) bool {
		return bytes.Compare(devices[i].PrimaryAddress().To16(), devices[j].PrimaryAddress().To16()) < 0
	})
	if devices == nil {
		devices = []models.DiscoveredDevice{}
	}
	return devices
}

// Probe checks one address for a listener by sending Hello and waiting for
// HelloAck.
func (s *SubnetScanner) Probe(ctx context.Context, ip net.IP) (models.DiscoveredDevice, bool) {
	address := net.JoinHostPort(ip.String(), strconv.Itoa(s.cfg.Port))

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return models.DiscoveredDevice{}, false
	}
	defer func() {
		_ = conn.Close()
	}()

	c := network.NewConn(conn, s.cfg.ProbeTimeout)
	if err := c.WriteMessage(network.NewHello(probeName())); err != nil {
		return models.DiscoveredDevice{}, false
	}
	msg, err := c.ReadMessage()
	if err != nil {
		return models.DiscoveredDevice{}, false
	}
	ack, ok := msg.(network.HelloAck)
	if !ok {
		return models.DiscoveredDevice{}, false
	}

	s.cfg.Logger.Debug("found listener %q at %s", ack.DeviceName, address)
	return DeviceFromProbe(ack.DeviceName, ip, uint16(s.cfg.Port)), true
}

// DeviceFromProbe builds the record for a listener found by probing.
func DeviceFromProbe(name string, ip net.IP, port uint16) models.DiscoveredDevice {
	return models.DiscoveredDevice{
		Name:         name,
		Hostname:     strings.ReplaceAll(strings.ToLower(name), " ", "-") + ".local.",
		Addresses:    []net.IP{ip},
		Port:         port,
		InstanceName: fmt.Sprintf("%s.%s.local.", name, ServiceType),
	}
}

// MergeDevices appends devices from extra whose address lists are not
// already present in base.
func MergeDevices(base []models.DiscoveredDevice, extra ...[]models.DiscoveredDevice) []models.DiscoveredDevice {
	out := append([]models.DiscoveredDevice{}, base...)
	for _, list := range extra {
		for _, candidate := range list {
			duplicate := false
			for _, existing := range out {
				if existing.SameAddresses(candidate) {
					duplicate = true
					break
				}
			}
			if !duplicate {
				out = append(out, candidate)
			}
		}
	}
	return out
}

func probeName() string {
	return "scanner-" + strconv.Itoa(os.Getpid())
}

func isLocal(ip net.IP, locals []net.IP) bool {
	for _, local := range locals {
		if local.Equal(ip) {
			return true
		}
	}
	return false
}
