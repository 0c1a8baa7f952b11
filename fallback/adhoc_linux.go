//go:build linux

package fallback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"

	cerrors "connecto/errors"
	"connecto/logger"
)

const defaultInterface = "wlan0"

// linuxNetwork drives NetworkManager, falling back to iw for IBSS mode.
// Addresses are configured over netlink.
type linuxNetwork struct {
	log     logger.Logger
	run     runner
	setAddr func(iface, cidr string) error
	setLink func(iface string, up bool) error

	mu       sync.Mutex
	ssid     string
	hosting  bool
	previous string
	connUUID string
	iface    string
}

// NewNetwork returns the NetworkManager/iw implementation.
func NewNetwork(deviceName string, log logger.Logger) Network {
	if log == nil {
		log = logger.Noop()
	}
	return &linuxNetwork{
		log:     log,
		run:     execRunner,
		setAddr: replaceAddr,
		setLink: setLinkState,
		ssid:    SSIDFor(deviceName),
	}
}

func (n *linuxNetwork) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ssid
}

func (n *linuxNetwork) IsHosting() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosting
}

func (n *linuxNetwork) CreateNetwork() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx := context.Background()
	n.log.Info("creating ad-hoc network %s", n.ssid)

	iface, ok := n.wifiInterface(ctx)
	if !ok {
		return "", cerrors.New(cerrors.ErrNetwork,
			"No WiFi interface found",
			"Install NetworkManager: sudo apt install network-manager")
	}
	n.iface = iface
	n.savePrevious(ctx)

	id, err := n.createWithNMCLI(ctx)
	if err == nil {
		n.connUUID = id
		n.hosting = true
		n.log.Info("ad-hoc network %s created via nmcli", n.ssid)
		return n.ssid, nil
	}
	n.log.Warn("nmcli failed: %v, trying iw", err)

	if err := n.createWithIW(ctx); err != nil {
		return "", cerrors.WrapWithCode(err, cerrors.ErrNetwork,
			"Failed to create ad-hoc network",
			"Try running with sudo, or add yourself to the 'netdev' group: sudo usermod -aG netdev $USER (then log out and back in)")
	}
	n.hosting = true
	n.log.Info("ad-hoc network %s created via iw", n.ssid)
	return n.ssid, nil
}

func (n *linuxNetwork) createWithNMCLI(ctx context.Context) (string, error) {
	_, _ = n.run(ctx, "nmcli", "connection", "delete", n.ssid)

	res, err := n.run(ctx, "nmcli", "connection", "add",
		"type", "wifi",
		"ifname", n.iface,
		"mode", "adhoc",
		"ssid", n.ssid,
		"con-name", n.ssid)
	if err != nil {
		return "", fmt.Errorf("nmcli connection add: %s: %w", trimOutput(res.Stderr), err)
	}
	id, _ := parseConnectionUUID(res.Stdout)

	_, _ = n.run(ctx, "nmcli", "connection", "modify", n.ssid,
		"ipv4.method", "manual",
		"ipv4.addresses", HostIP+"/"+strconv.Itoa(PrefixLen))

	if res, err := n.run(ctx, "nmcli", "connection", "up", n.ssid); err != nil {
		_, _ = n.run(ctx, "nmcli", "connection", "delete", n.ssid)
		return "", fmt.Errorf("nmcli connection up: %s: %w", trimOutput(res.Stderr), err)
	}
	return id, nil
}

func (n *linuxNetwork) createWithIW(ctx context.Context) error {
	_ = n.setLink(n.iface, false)

	res, err := n.run(ctx, "iw", "dev", n.iface, "ibss", "join", n.ssid, strconv.Itoa(FrequencyMHz))
	if err != nil {
		return fmt.Errorf("iw ibss join: %s: %w", trimOutput(res.Stderr), err)
	}

	if err := n.setLink(n.iface, true); err != nil {
		n.log.Warn("failed to bring %s up: %v", n.iface, err)
	}
	if err := n.setAddr(n.iface, HostIP+"/"+strconv.Itoa(PrefixLen)); err != nil {
		return fmt.Errorf("configure %s: %w", n.iface, err)
	}
	return nil
}

func (n *linuxNetwork) ScanForNetworks() ([]string, error) {
	ctx := context.Background()

	var networks []string
	if res, err := n.run(ctx, "nmcli", "-t", "-f", "SSID", "device", "wifi", "list"); err == nil {
		networks = ssidsFromNMCLI(res.Stdout)
	}
	if len(networks) == 0 {
		n.mu.Lock()
		iface := n.iface
		n.mu.Unlock()
		if iface == "" {
			iface = defaultInterface
		}
		if res, err := n.run(ctx, "iw", "dev", iface, "scan"); err == nil {
			networks = ssidsFromIWScan(res.Stdout)
		}
	}
	n.log.Debug("found %d Connecto ad-hoc networks", len(networks))
	return networks, nil
}

func (n *linuxNetwork) JoinNetwork(ssid string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx := context.Background()
	n.log.Info("joining ad-hoc network %s", ssid)

	iface, ok := n.wifiInterface(ctx)
	if !ok {
		return cerrors.New(cerrors.ErrNetwork, "No WiFi interface found", "")
	}
	n.iface = iface
	n.savePrevious(ctx)

	res, err := n.run(ctx, "nmcli", "device", "wifi", "connect", ssid)
	if err != nil {
		return cerrors.WrapWithCode(err, cerrors.ErrNetwork,
			fmt.Sprintf("Failed to join network %s", ssid), trimOutput(res.Stderr))
	}
	n.ssid = ssid

	if err := n.setAddr(iface, ClientIP+"/"+strconv.Itoa(PrefixLen)); err != nil {
		n.log.Warn("failed to set %s on %s: %v", ClientIP, iface, err)
	}
	return nil
}

func (n *linuxNetwork) RestorePreviousNetwork() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx := context.Background()
	if n.connUUID != "" {
		_, _ = n.run(ctx, "nmcli", "connection", "delete", n.connUUID)
		n.connUUID = ""
	}
	if n.iface != "" {
		_, _ = n.run(ctx, "iw", "dev", n.iface, "ibss", "leave")
	}
	n.hosting = false

	if n.previous == "" {
		return nil
	}
	n.log.Info("restoring previous network %s", n.previous)
	if res, err := n.run(ctx, "nmcli", "connection", "up", n.previous); err != nil {
		n.log.Warn("failed to restore network %s: %s", n.previous, trimOutput(res.Stderr))
	}
	return nil
}

func (n *linuxNetwork) wifiInterface(ctx context.Context) (string, bool) {
	if res, err := n.run(ctx, "nmcli", "-t", "-f", "DEVICE,TYPE", "device", "status"); err == nil {
		if iface, ok := wifiDeviceFromNMCLI(res.Stdout); ok {
			return iface, true
		}
	}
	if res, err := n.run(ctx, "iw", "dev"); err == nil {
		return wifiDeviceFromIW(res.Stdout)
	}
	return "", false
}

func (n *linuxNetwork) savePrevious(ctx context.Context) {
	res, err := n.run(ctx, "nmcli", "-t", "-f", "NAME,DEVICE", "connection", "show", "--active")
	if err != nil {
		return
	}
	if name, ok := activeConnectionOn(res.Stdout, n.iface); ok {
		n.previous = name
		n.log.Debug("saved current network %s", name)
	}
}

// replaceAddr flushes the IPv4 addresses of iface and assigns cidr.
func replaceAddr(iface, cidr string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find link %s: %w", iface, err)
	}
	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", iface, err)
	}
	for i := range existing {
		_ = netlink.AddrDel(link, &existing[i])
	}

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", cidr, iface, err)
	}
	return nil
}

func setLinkState(iface string, up bool) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find link %s: %w", iface, err)
	}
	if up {
		return netlink.LinkSetUp(link)
	}
	return netlink.LinkSetDown(link)
}
