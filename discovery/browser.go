package discovery

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"connecto/models"
)

const (
	// EventDeviceFound is emitted when a device appears or its record changes.
	EventDeviceFound EventType = "device_found"
	// EventDeviceLost is emitted when a device withdraws its advertisement.
	EventDeviceLost EventType = "device_lost"
	// EventSearchStarted is emitted once when browsing begins.
	EventSearchStarted EventType = "search_started"
	// EventSearchStopped is emitted once before the event channel closes.
	EventSearchStopped EventType = "search_stopped"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update. InstanceName is set for found and lost
// devices; Device only for found ones.
type Event struct {
	Type         EventType
	Device       models.DiscoveredDevice
	InstanceName string
	DeviceID     string
}

// ServiceBrowser browses one mDNS service type and keeps the devices seen so
// far, keyed by full instance name.
type ServiceBrowser struct {
	cfg    Config
	browse browseFunc

	mu      sync.RWMutex
	devices map[string]models.DiscoveredDevice
}

// NewServiceBrowser creates a browser for cfg.Service (the pairing service
// by default).
func NewServiceBrowser(config Config) (*ServiceBrowser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &ServiceBrowser{
		cfg:     cfg,
		browse:  browse,
		devices: make(map[string]models.DiscoveredDevice),
	}, nil
}

// Browse starts browsing until ctx is done. The returned channel receives
// SearchStarted, device updates, and finally SearchStopped, then closes.
func (b *ServiceBrowser) Browse(ctx context.Context) (<-chan Event, error) {
	browseCtx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry, 32)
	events := make(chan Event, 128)

	go func() {
		if err := b.browse(browseCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
			b.cfg.Logger.Warn("mDNS browse for %s failed: %v", b.cfg.Service, err)
			cancel()
		}
	}()

	go func() {
		defer cancel()
		defer close(events)

		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-browseCtx.Done():
				return false
			}
		}

		send(Event{Type: EventSearchStarted})
		b.cfg.Logger.Debug("mDNS search for %s started", b.cfg.Service)

		for {
			select {
			case <-browseCtx.Done():
				b.stopped(events)
				return
			case entry, ok := <-entries:
				if !ok {
					b.stopped(events)
					return
				}
				if entry == nil {
					continue
				}
				if ev, changed := b.apply(entry); changed {
					if !send(ev) {
						b.stopped(events)
						return
					}
				}
			}
		}
	}()

	return events, nil
}

func (b *ServiceBrowser) stopped(events chan<- Event) {
	b.cfg.Logger.Debug("mDNS search for %s stopped", b.cfg.Service)
	select {
	case events <- Event{Type: EventSearchStopped}:
	default:
	}
}

// apply folds one resolver entry into the device map and reports the event
// it produces, if any.
func (b *ServiceBrowser) apply(entry *zeroconf.ServiceEntry) (Event, bool) {
	device := deviceFromEntry(entry, b.cfg.Service, b.cfg.Domain)
	deviceID := txtToMap(entry.Text)["device_id"]

	b.mu.Lock()
	defer b.mu.Unlock()

	if entry.TTL == 0 {
		if _, exists := b.devices[device.InstanceName]; !exists {
			return Event{}, false
		}
		delete(b.devices, device.InstanceName)
		return Event{Type: EventDeviceLost, InstanceName: device.InstanceName, DeviceID: deviceID}, true
	}

	if len(device.Addresses) == 0 {
		return Event{}, false
	}
	if old, exists := b.devices[device.InstanceName]; exists && old.Equal(device) {
		return Event{}, false
	}
	b.devices[device.InstanceName] = device
	return Event{Type: EventDeviceFound, Device: device, InstanceName: device.InstanceName, DeviceID: deviceID}, true
}

// Devices returns the devices seen so far, sorted by instance name.
func (b *ServiceBrowser) Devices() []models.DiscoveredDevice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.DiscoveredDevice, 0, len(b.devices))
	for _, device := range b.devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstanceName < out[j].InstanceName
	})
	return out
}

// ScanForDuration browses until d elapses, ctx ends, or the search stops,
// and returns the devices found.
func (b *ServiceBrowser) ScanForDuration(ctx context.Context, d time.Duration) ([]models.DiscoveredDevice, error) {
	if d <= 0 {
		d = DefaultScanDuration
	}
	scanCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	events, err := b.Browse(scanCtx)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		if ev.Type == EventDeviceFound {
			b.cfg.Logger.Debug("found device during scan: %s", ev.Device.Name)
		}
		if ev.Type == EventSearchStopped {
			break
		}
	}
	return b.Devices(), nil
}

// SyncBrowser reports peers advertising the sync service, leaving out this
// device's own advertisement.
type SyncBrowser struct {
	browser     *ServiceBrowser
	ownFullName string
	ownDeviceID string
}

// NewSyncBrowser creates a browser for the sync service. cfg.DeviceName and
// cfg.Hostname identify the local advertisement to skip.
func NewSyncBrowser(config Config) (*SyncBrowser, error) {
	config.Service = SyncServiceType
	browser, err := NewServiceBrowser(config)
	if err != nil {
		return nil, err
	}
	cfg := browser.cfg
	return &SyncBrowser{
		browser:     browser,
		ownFullName: FullName(InstanceName(cfg.DeviceName, cfg.Hostname), cfg.Service, cfg.Domain),
		ownDeviceID: cfg.DeviceID,
	}, nil
}

// BrowsePeers streams discovered sync peers until ctx is done.
func (b *SyncBrowser) BrowsePeers(ctx context.Context) (<-chan models.DiscoveredDevice, error) {
	events, err := b.browser.Browse(ctx)
	if err != nil {
		return nil, err
	}

	peers := make(chan models.DiscoveredDevice)
	go func() {
		defer close(peers)
		for ev := range events {
			if ev.Type != EventDeviceFound {
				continue
			}
			if b.isSelf(ev) {
				b.browser.cfg.Logger.Debug("skipping our own sync service")
				continue
			}
			select {
			case peers <- ev.Device:
			case <-ctx.Done():
				return
			}
		}
	}()
	return peers, nil
}

func (b *SyncBrowser) isSelf(ev Event) bool {
	if ev.InstanceName == b.ownFullName {
		return true
	}
	return b.ownDeviceID != "" && ev.DeviceID == b.ownDeviceID
}

func deviceFromEntry(entry *zeroconf.ServiceEntry, service, domain string) models.DiscoveredDevice {
	fullName := FullName(entry.Instance, service, domain)

	addresses := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, ip)
	}

	return models.DiscoveredDevice{
		Name:         fullName,
		Hostname:     entry.HostName,
		Addresses:    addresses,
		Port:         uint16(entry.Port),
		InstanceName: fullName,
	}
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
