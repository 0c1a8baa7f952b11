package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"connecto/logger"
)

const (
	// ServiceType is the mDNS service used for one-way pairing.
	ServiceType = "_connecto._tcp"
	// SyncServiceType is the mDNS service used for bidirectional sync.
	SyncServiceType = "_connecto-sync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanDuration bounds ScanForDuration when no duration is given.
	DefaultScanDuration = 5 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Service    string
	Domain     string
	Version    int
	DeviceName string
	// DeviceID is published in the TXT record; optional.
	DeviceID string
	// Hostname is appended to the instance name; defaults to os.Hostname.
	Hostname string
	Logger   logger.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = ServiceType
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.Hostname == "" {
		out.Hostname = Hostname()
	}
	if out.Logger == nil {
		out.Logger = logger.Noop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// InstanceName returns the advertised instance, "<device> (<hostname>)".
func (c Config) InstanceName() string {
	cfg := c.withDefaults()
	return InstanceName(cfg.DeviceName, cfg.Hostname)
}

// InstanceName formats an advertised instance name.
func InstanceName(deviceName, hostname string) string {
	return fmt.Sprintf("%s (%s)", deviceName, hostname)
}

// FullName returns "<instance>.<service>.<domain>." as mDNS reports it.
func FullName(instance, service, domain string) string {
	return fmt.Sprintf("%s.%s.%s.", instance, strings.Trim(service, "."), strings.Trim(domain, "."))
}

// FriendlyName strips the "._connecto..." suffix from a full instance name.
func FriendlyName(instance string) string {
	name, _, _ := strings.Cut(instance, "._connecto")
	return name
}

// Hostname returns the short host name, or "unknown".
func Hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	host, _, _ = strings.Cut(host, ".")
	return host
}

// Advertiser publishes one service instance at a time.
type Advertiser struct {
	cfg Config

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser for the pairing service.
func NewAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("device name is required")
	}
	return &Advertiser{cfg: cfg}, nil
}

// NewSyncAdvertiser creates an advertiser for the sync service.
func NewSyncAdvertiser(config Config) (*Advertiser, error) {
	config.Service = SyncServiceType
	return NewAdvertiser(config)
}

// Advertise registers the service on port, replacing any earlier
// registration from this advertiser.
func (a *Advertiser) Advertise(port int) error {
	if port <= 0 {
		return errors.New("listening port must be > 0")
	}

	txt := []string{
		"version=" + strconv.Itoa(a.cfg.Version),
	}
	if a.cfg.DeviceID != "" {
		txt = append(txt, "device_id="+a.cfg.DeviceID)
	}

	instance := InstanceName(a.cfg.DeviceName, a.cfg.Hostname)
	server, err := a.cfg.registerFn(instance, a.cfg.Service, a.cfg.Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	a.mu.Lock()
	previous := a.server
	a.server = server
	a.mu.Unlock()

	if previous != nil {
		previous.Shutdown()
	}
	a.cfg.Logger.Info("advertising %s", FullName(instance, a.cfg.Service, a.cfg.Domain))
	return nil
}

// Stop withdraws the advertisement. It is safe to call more than once and on
// a nil Advertiser.
func (a *Advertiser) Stop() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
		a.cfg.Logger.Debug("stopped advertising %s", a.cfg.Service)
	}
	return nil
}
