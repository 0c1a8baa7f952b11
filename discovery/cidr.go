package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MinPrefix is the shallowest prefix ParseCIDR accepts.
const MinPrefix = 16

// ParseCIDR expands an IPv4 "a.b.c.d/prefix" range into host addresses.
// Prefixes below MinPrefix are rejected. For /24 through /30 the network and
// broadcast addresses are left out; /31 and /32 yield every address.
func ParseCIDR(cidr string) ([]net.IP, error) {
	rawIP, rawPrefix, ok := strings.Cut(strings.TrimSpace(cidr), "/")
	if !ok {
		return nil, fmt.Errorf("invalid CIDR %q: expected ip/prefix", cidr)
	}

	ip := net.ParseIP(rawIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid CIDR %q: %q is not an IPv4 address", cidr, rawIP)
	}

	prefix, err := strconv.Atoi(rawPrefix)
	if err != nil || prefix < 0 || prefix > 32 {
		return nil, fmt.Errorf("invalid CIDR %q: bad prefix %q", cidr, rawPrefix)
	}
	if prefix < MinPrefix {
		return nil, fmt.Errorf("CIDR %q is too large: prefix must be /%d or narrower", cidr, MinPrefix)
	}

	mask := ^uint32(0) << (32 - prefix)
	network := binary.BigEndian.Uint32(ip) & mask
	broadcast := network | ^mask

	first, last := network, broadcast
	if prefix >= 24 && prefix <= 30 {
		first++
		last--
	}

	out := make([]net.IP, 0, int(last-first)+1)
	for n := uint64(first); n <= uint64(last); n++ {
		out = append(out, uint32ToIP(uint32(n)))
	}
	return out, nil
}

// ScanRange returns the candidate hosts around the local addresses: each
// address's /24, or the four /24 blocks of its aligned /22 inside 10.0.0.0/8.
// Blocks shared by several addresses appear once. Host .0 and .255 of each
// block and the local addresses themselves are skipped.
func ScanRange(locals []net.IP) []net.IP {
	seen := make(map[[3]byte]struct{})
	var out []net.IP
	for _, local := range locals {
		v4 := local.To4()
		if v4 == nil {
			continue
		}
		for _, block := range subnetBlocks(v4) {
			if _, ok := seen[block]; ok {
				continue
			}
			seen[block] = struct{}{}
			for host := 1; host <= 254; host++ {
				candidate := net.IPv4(block[0], block[1], block[2], byte(host)).To4()
				if isLocal(candidate, locals) {
					continue
				}
				out = append(out, candidate)
			}
		}
	}
	return out
}

// subnetBlocks returns the /24 prefixes (first three octets) to scan for v4.
func subnetBlocks(v4 net.IP) [][3]byte {
	if v4[0] != 10 {
		return [][3]byte{{v4[0], v4[1], v4[2]}}
	}
	base := v4[2] &^ 3
	blocks := make([][3]byte, 0, 4)
	for i := byte(0); i < 4; i++ {
		blocks = append(blocks, [3]byte{v4[0], v4[1], base + i})
	}
	return blocks
}

// SubnetOf returns "a.b.c.0/24" for an IPv4 address.
func SubnetOf(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
