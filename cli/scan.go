package cli

import (
	"net"
	"time"

	"github.com/spf13/cobra"

	"connecto/config"
	"connecto/discovery"
	cerrors "connecto/errors"
	"connecto/fallback"
	"connecto/models"
	"connecto/ui"
)

type scanOptions struct {
	timeout  int
	fallback bool
	subnets  []string
}

var scanOpts scanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find devices running 'connecto listen'",
	Long: `Search the local network for listening devices.

mDNS is tried first. If nothing answers, the local /24 networks and every
configured subnet are probed directly, and as a last resort a nearby
Connecto ad-hoc WiFi network is joined.

Examples:
  connecto scan
  connecto scan --timeout 10
  connecto scan --subnet 10.105.225.0/24`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd, scanOpts)
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVarP(&scanOpts.timeout, "timeout", "t", 5, "mDNS scan duration in seconds")
	scanCmd.Flags().BoolVar(&scanOpts.fallback, "fallback", false, "skip mDNS and probe subnets directly")
	scanCmd.Flags().StringSliceVar(&scanOpts.subnets, "subnet", nil, "extra subnet to probe, e.g. 10.105.225.0/24 (repeatable)")
}

func runScan(cmd *cobra.Command, opts scanOptions) error {
	for _, cidr := range opts.subnets {
		if _, err := discovery.ParseCIDR(cidr); err != nil {
			return cerrors.WrapWithCode(err, cerrors.ErrConfig,
				"Invalid --subnet "+cidr,
				"Use CIDR notation with a prefix of /16 or narrower, e.g. 10.105.225.0/24")
		}
	}

	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	p := env.ui

	p.Banner("CONNECTO SCANNER", ui.BannerScan)
	p.Info("Scanning for devices...")
	p.Blank()

	var devices []models.DiscoveredDevice

	if !opts.fallback {
		p.Info("Searching via mDNS...")
		browser, err := discovery.NewServiceBrowser(discovery.Config{Logger: env.log})
		if err == nil {
			devices, err = browser.ScanForDuration(ctx, time.Duration(opts.timeout)*time.Second)
		}
		if err != nil {
			env.log.Debug("mDNS scan failed: %v", err)
		}
	}

	if len(devices) == 0 && ctx.Err() == nil {
		p.Info("Scanning subnets...")
		devices = scanSubnets(cmd, env, mergeSubnets(opts.subnets, env.cfg.Subnets))
	}

	if len(devices) == 0 && ctx.Err() == nil {
		p.Info("Looking for Connecto ad-hoc networks...")
		handler := fallback.NewHandler(fallback.HandlerConfig{DeviceName: env.cfg.Name(), Logger: env.log})
		ip, ok, err := handler.Establish(ctx, false)
		switch {
		case err != nil:
			env.log.Debug("ad-hoc fallback failed: %v", err)
		case ok:
			p.Info("Joined ad-hoc network, host at %s", ui.Address(ip))
			p.Warn("Reconnect to your usual WiFi network after pairing")
			devices = append(devices, discovery.DeviceFromProbe("Connecto ad-hoc host", net.ParseIP(ip), uint16(env.cfg.Port)))
		}
	}

	if ctx.Err() != nil {
		p.Blank()
		p.Info("Scan cancelled")
		return nil
	}

	p.Blank()
	if len(devices) == 0 {
		p.Warn("No devices found.")
		p.Blank()
		p.Hints("Make sure:",
			"The target device is running 'connecto listen'",
			"Your firewall allows connections on port 8099",
		)
		p.Hints("If your router blocks device-to-device traffic:",
			"Run 'connecto listen --adhoc' on the target to create a direct network",
		)
		p.Hints("If devices are on different subnets (e.g., VPN):",
			"connecto config add-subnet 10.x.x.0/24",
		)
		p.Hints("Or pair directly if you know the IP:",
			"connecto pair <ip>:8099",
		)
		return nil
	}

	p.Success("Found %d device(s):", len(devices))
	p.Blank()
	p.Printf("%s", ui.RenderDevices(devices))

	if err := discovery.SaveCache(config.CachePath(env.dataDir), devices); err != nil {
		env.log.Warn("failed to cache scan results: %v", err)
	}

	p.Blank()
	p.Println(ui.Muted("To pair with a device, run: ") + ui.Highlight("connecto pair <number>"))
	p.Println(ui.Muted("Or connect directly: ") + ui.Highlight("connecto pair <ip>:<port>"))
	p.Blank()
	return nil
}

// scanSubnets probes the local /24 networks plus the extra subnets and
// merges the results by address list. Probe failures are never surfaced.
func scanSubnets(cmd *cobra.Command, env *environment, subnets []string) []models.DiscoveredDevice {
	ctx := cmd.Context()
	scanner := discovery.NewSubnetScanner(discovery.ScannerConfig{Port: env.cfg.Port, Logger: env.log})

	local, err := scanner.Scan(ctx)
	if err != nil {
		env.log.Debug("local subnet scan failed: %v", err)
	}
	if len(subnets) == 0 {
		return local
	}
	extra, err := scanner.ScanSubnets(ctx, subnets)
	if err != nil {
		env.log.Warn("configured subnet scan failed: %v", err)
	}
	return discovery.MergeDevices(local, extra)
}

// mergeSubnets returns flag subnets followed by configured ones, without
// duplicates.
func mergeSubnets(flagSubnets, configured []string) []string {
	seen := make(map[string]struct{}, len(flagSubnets)+len(configured))
	out := make([]string, 0, len(flagSubnets)+len(configured))
	for _, list := range [][]string{flagSubnets, configured} {
		for _, cidr := range list {
			if _, ok := seen[cidr]; ok {
				continue
			}
			seen[cidr] = struct{}{}
			out = append(out, cidr)
		}
	}
	return out
}
