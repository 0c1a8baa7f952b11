package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

type registration struct {
	instance string
	service  string
	domain   string
	port     int
	txt      []string
}

func recordingRegister(calls *[]registration) registerFunc {
	return func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		*calls = append(*calls, registration{
			instance: instance,
			service:  service,
			domain:   domain,
			port:     port,
			txt:      append([]string(nil), text...),
		})
		return nil, nil
	}
}

func TestAdvertiseBuildsExpectedRecord(t *testing.T) {
	var calls []registration
	advertiser, err := NewAdvertiser(Config{
		DeviceName: "Alice Laptop",
		DeviceID:   "device-123",
		Hostname:   "alice-mbp",
		registerFn: recordingRegister(&calls),
	})
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}
	if err := advertiser.Advertise(8099); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected one registration, got %d", len(calls))
	}
	got := calls[0]
	if got.instance != "Alice Laptop (alice-mbp)" {
		t.Fatalf("unexpected instance name: %q", got.instance)
	}
	if got.service != ServiceType {
		t.Fatalf("unexpected service: %q", got.service)
	}
	if got.domain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", got.domain)
	}
	if got.port != 8099 {
		t.Fatalf("unexpected port: %d", got.port)
	}
	assertContainsTXT(t, got.txt, "version=1")
	assertContainsTXT(t, got.txt, "device_id=device-123")
}

func TestSyncAdvertiserUsesSyncService(t *testing.T) {
	var calls []registration
	advertiser, err := NewSyncAdvertiser(Config{
		DeviceName: "Desk",
		Hostname:   "desk",
		registerFn: recordingRegister(&calls),
	})
	if err != nil {
		t.Fatalf("NewSyncAdvertiser failed: %v", err)
	}
	if err := advertiser.Advertise(4242); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if calls[0].service != SyncServiceType {
		t.Fatalf("expected %q, got %q", SyncServiceType, calls[0].service)
	}
	for _, txt := range calls[0].txt {
		if len(txt) >= 10 && txt[:10] == "device_id=" {
			t.Fatalf("device_id should be omitted when unset")
		}
	}
}

func TestAdvertiserValidation(t *testing.T) {
	if _, err := NewAdvertiser(Config{DeviceName: "  "}); err == nil {
		t.Fatalf("expected error for blank device name")
	}

	var calls []registration
	advertiser, err := NewAdvertiser(Config{DeviceName: "x", registerFn: recordingRegister(&calls)})
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}
	if err := advertiser.Advertise(0); err == nil {
		t.Fatalf("expected error for port 0")
	}
	if len(calls) != 0 {
		t.Fatalf("nothing should be registered for an invalid port")
	}
}

func TestAdvertiserStopIsIdempotent(t *testing.T) {
	var calls []registration
	advertiser, err := NewAdvertiser(Config{DeviceName: "x", registerFn: recordingRegister(&calls)})
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}
	if err := advertiser.Advertise(1234); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := advertiser.Stop(); err != nil {
			t.Fatalf("Stop #%d failed: %v", i+1, err)
		}
	}

	var nilAdvertiser *Advertiser
	if err := nilAdvertiser.Stop(); err != nil {
		t.Fatalf("Stop on nil advertiser failed: %v", err)
	}
}

func TestNames(t *testing.T) {
	if got := InstanceName("Work PC", "wpc"); got != "Work PC (wpc)" {
		t.Fatalf("unexpected instance name %q", got)
	}
	full := FullName("Work PC (wpc)", ServiceType, DefaultDomain)
	if full != "Work PC (wpc)._connecto._tcp.local." {
		t.Fatalf("unexpected full name %q", full)
	}
	if got := FriendlyName(full); got != "Work PC (wpc)" {
		t.Fatalf("unexpected friendly name %q", got)
	}
	if got := FriendlyName("plain"); got != "plain" {
		t.Fatalf("FriendlyName should pass through %q", got)
	}
	if got := FriendlyName(FullName("Desk (d)", SyncServiceType, DefaultDomain)); got != "Desk (d)" {
		t.Fatalf("unexpected friendly name for sync service %q", got)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, entry := range txt {
		if entry == expected {
			return
		}
	}
	t.Fatalf("expected TXT entry %q in %v", expected, txt)
}
