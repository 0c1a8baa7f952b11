package models

import (
	"net"
	"strconv"
)

// DiscoveredDevice is a Connecto listener found through mDNS, a subnet probe
// or an ad-hoc network. It is also the record format of the discovery cache.
type DiscoveredDevice struct {
	Name         string   `json:"name"`
	Hostname     string   `json:"hostname"`
	Addresses    []net.IP `json:"addresses"`
	Port         uint16   `json:"port"`
	InstanceName string   `json:"instance_name"`
}

// PrimaryAddress returns the first IPv4 address, falling back to the first
// address of any family. It returns nil iff Addresses is empty.
func (d DiscoveredDevice) PrimaryAddress() net.IP {
	for _, addr := range d.Addresses {
		if addr.To4() != nil {
			return addr
		}
	}
	if len(d.Addresses) > 0 {
		return d.Addresses[0]
	}
	return nil
}

// ConnectionString returns "ip:port" for the primary address.
func (d DiscoveredDevice) ConnectionString() (string, bool) {
	addr := d.PrimaryAddress()
	if addr == nil {
		return "", false
	}
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(d.Port))), true
}

// Equal reports whether two devices carry identical fields, addresses
// compared in order.
func (d DiscoveredDevice) Equal(other DiscoveredDevice) bool {
	if d.Name != other.Name ||
		d.Hostname != other.Hostname ||
		d.Port != other.Port ||
		d.InstanceName != other.InstanceName ||
		len(d.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range d.Addresses {
		if !d.Addresses[i].Equal(other.Addresses[i]) {
			return false
		}
	}
	return true
}

// SameAddresses reports whether both devices list the same addresses in order.
func (d DiscoveredDevice) SameAddresses(other DiscoveredDevice) bool {
	if len(d.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range d.Addresses {
		if !d.Addresses[i].Equal(other.Addresses[i]) {
			return false
		}
	}
	return true
}
