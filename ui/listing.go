package ui

import (
	"fmt"
	"strings"
	"time"

	"connecto/discovery"
	"connecto/models"
)

const keyPreviewEdge = 10

// RenderDevices lists devices numbered from 0, primary address first and any
// further addresses on indented lines.
func RenderDevices(devices []models.DiscoveredDevice) string {
	var b strings.Builder
	for i, device := range devices {
		b.WriteString(indexStyle.Render(fmt.Sprintf("[%d]", i)))
		b.WriteString(" ")
		b.WriteString(Highlight(discovery.FriendlyName(device.Name)))
		if conn, ok := device.ConnectionString(); ok {
			b.WriteString(" (")
			b.WriteString(Address(conn))
			b.WriteString(")")
		}
		b.WriteString("\n")

		primary := device.PrimaryAddress()
		for _, addr := range device.Addresses {
			if addr.Equal(primary) {
				continue
			}
			fmt.Fprintf(&b, "    %s %s\n", Muted(SymbolBranch), Muted(addr.String()))
		}
	}
	return b.String()
}

// KeySummary is the display form of one authorized_keys line.
type KeySummary struct {
	Type    string
	Preview string
	Comment string
}

// SummarizeKey splits an authorized_keys line for display. Key data longer
// than 20 characters is shortened to its first and last 10.
func SummarizeKey(line string) KeySummary {
	fields := strings.Fields(line)
	summary := KeySummary{Type: "unknown", Preview: "invalid", Comment: "no comment"}
	if len(fields) > 0 {
		summary.Type = fields[0]
	}
	if len(fields) > 1 {
		data := fields[1]
		if len(data) > 2*keyPreviewEdge {
			data = data[:keyPreviewEdge] + "..." + data[len(data)-keyPreviewEdge:]
		}
		summary.Preview = data
	}
	if len(fields) > 2 {
		summary.Comment = strings.Join(fields[2:], " ")
	}
	return summary
}

// RenderKeys lists authorized keys numbered from 1.
func RenderKeys(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		s := SummarizeKey(line)
		fmt.Fprintf(&b, "%s %s %s %s\n",
			warnStyle.Render(fmt.Sprintf("[%d]", i+1)),
			Highlight(s.Type),
			Muted(s.Preview),
			successStyle.UnsetBold().Render(s.Comment),
		)
	}
	return b.String()
}

// RenderHistory lists pairing history rows, one per line.
func RenderHistory(events []models.PairingEvent) string {
	var b strings.Builder
	for _, event := range events {
		symbol := successStyle.Render(SymbolSuccess)
		if event.Outcome != "success" {
			symbol = errorStyle.Render(SymbolFail)
		}
		when := time.UnixMilli(event.Timestamp).Local().Format("2006-01-02 15:04")

		peer := event.PeerName
		if peer == "" {
			peer = event.KeyComment
		}
		if peer == "" {
			peer = "-"
		}

		fmt.Fprintf(&b, "%s %s %-11s %s", symbol, Muted(when), event.Kind, Highlight(peer))
		if event.PeerUser != "" {
			fmt.Fprintf(&b, " (%s)", event.PeerUser)
		}
		if event.PeerAddress != "" {
			fmt.Fprintf(&b, " %s", Address(event.PeerAddress))
		}
		if event.Details != "" {
			fmt.Fprintf(&b, " %s", Muted(event.Details))
		}
		b.WriteString("\n")
	}
	return b.String()
}
