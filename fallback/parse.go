package fallback

import "strings"

// wifiDeviceFromNMCLI finds the first wifi device in
// `nmcli -t -f DEVICE,TYPE device status` output.
func wifiDeviceFromNMCLI(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(strings.TrimSpace(line), ":")
		if len(parts) >= 2 && parts[1] == "wifi" && parts[0] != "" {
			return parts[0], true
		}
	}
	return "", false
}

// wifiDeviceFromIW finds the first "Interface <name>" line of `iw dev`.
func wifiDeviceFromIW(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		name, ok := strings.CutPrefix(strings.TrimSpace(line), "Interface ")
		if ok && name != "" {
			return strings.TrimSpace(name), true
		}
	}
	return "", false
}

// activeConnectionOn returns the connection bound to iface in
// `nmcli -t -f NAME,DEVICE connection show --active` output.
func activeConnectionOn(output, iface string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		name, device, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && device == iface && name != "" {
			return name, true
		}
	}
	return "", false
}

// ssidsFromNMCLI collects Connecto SSIDs from
// `nmcli -t -f SSID device wifi list` output.
func ssidsFromNMCLI(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		out = appendSSID(out, line)
	}
	return out
}

// ssidsFromIWScan collects Connecto SSIDs from `iw dev <if> scan` output.
func ssidsFromIWScan(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		ssid, ok := strings.CutPrefix(strings.TrimSpace(line), "SSID:")
		if ok {
			out = appendSSID(out, ssid)
		}
	}
	return out
}

// ssidsFromAirport collects Connecto SSIDs from `airport -s` output. Connecto
// SSIDs never contain spaces, so the first column is the whole SSID.
func ssidsFromAirport(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = appendSSID(out, fields[0])
	}
	return out
}

// currentAirportNetwork parses `networksetup -getairportnetwork en0`, which
// prints "Current Wi-Fi Network: <ssid>" when associated.
func currentAirportNetwork(output string) (string, bool) {
	_, ssid, ok := strings.Cut(output, "Network: ")
	if !ok {
		return "", false
	}
	ssid = strings.TrimSpace(ssid)
	return ssid, ssid != ""
}
