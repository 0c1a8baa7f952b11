package cli

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"connecto/discovery"
	cerrors "connecto/errors"
	"connecto/fallback"
	"connecto/models"
	"connecto/network"
	"connecto/storage"
	"connecto/ui"
)

type listenOptions struct {
	port   int
	name   string
	verify bool
	once   bool
	adhoc  bool
}

var listenOpts listenOptions

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for other devices to pair with this one",
	Long: `Advertise this device on the local network and accept pairing requests.
Every key received is added to ~/.ssh/authorized_keys.

Examples:
  connecto listen
  connecto listen --verify
  connecto listen --once --name "Office Desktop"
  connecto listen --adhoc`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd, listenOpts)
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().IntVarP(&listenOpts.port, "port", "p", network.DefaultPort, "TCP port to listen on")
	listenCmd.Flags().StringVarP(&listenOpts.name, "name", "n", "", "device name to advertise (default: configured name or hostname)")
	listenCmd.Flags().BoolVar(&listenOpts.verify, "verify", false, "show a verification code for each pairing")
	listenCmd.Flags().BoolVar(&listenOpts.once, "once", false, "exit after one pairing attempt")
	listenCmd.Flags().BoolVar(&listenOpts.adhoc, "adhoc", false, "create an ad-hoc WiFi network first")
}

func runListen(cmd *cobra.Command, opts listenOptions) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	p := env.ui

	deviceName := opts.name
	if deviceName == "" {
		deviceName = env.cfg.Name()
	}
	port := env.port(cmd, opts.port)

	p.Banner("CONNECTO LISTENER", ui.BannerListen)

	if opts.adhoc {
		handler := fallback.NewHandler(fallback.HandlerConfig{DeviceName: deviceName, Logger: env.log})
		p.Info("Creating ad-hoc WiFi network...")
		if _, _, err := handler.Establish(ctx, true); err != nil {
			p.Warn("Could not create ad-hoc network automatically: %s", summary(err))
			p.Blank()
			p.Steps("To create one manually:",
				"Open your WiFi settings and choose to create a network",
				"Name it "+ui.Highlight(fallback.SSIDFor(deviceName)),
				"Run 'connecto scan' on the other device once it has joined",
			)
		} else {
			defer handler.Cleanup()
			p.Success("Ad-hoc network created: %s", ui.Accent(handler.Network().Name()))
			p.Blank()
			p.Steps("Other devices can now:",
				"Join WiFi network "+ui.Highlight(handler.Network().Name()),
				"Run 'connecto scan' to find this device",
			)
		}
	}

	locals, err := discovery.LocalIPv4Addresses()
	if err != nil {
		env.log.Debug("listing local addresses failed: %v", err)
	}
	if len(locals) == 0 && !opts.adhoc {
		return cerrors.New(cerrors.ErrNetwork, "No network interfaces found",
			"Connect to a network, or use --adhoc to create one")
	}

	p.Info("Device name: %s", ui.Highlight(deviceName))
	p.Info("Port: %s", ui.Highlight(fmt.Sprint(port)))
	if opts.adhoc {
		p.Info("Mode: %s", ui.Accent("Ad-hoc (direct connection)"))
	}
	p.Blank()
	if len(locals) > 0 {
		items := make([]string, 0, len(locals))
		for _, ip := range locals {
			items = append(items, ip.String())
		}
		p.Section("Local IP addresses:", items...)
	}

	server, err := network.Listen(port, network.ServerOptions{
		DeviceName:          deviceName,
		RequireVerification: opts.verify,
		AuthorizedKeys:      env.keys,
		Logger:              env.log,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = server.Close()
	}()

	advertiser, err := discovery.NewAdvertiser(discovery.Config{
		DeviceName: deviceName,
		DeviceID:   env.cfg.DeviceID,
		Logger:     env.log,
	})
	if err == nil {
		err = advertiser.Advertise(server.Port())
	}
	if err != nil {
		p.Warn("mDNS registration failed: %s", summary(err))
		p.Println(ui.Muted("  Other devices can still pair by IP: connecto pair <ip>"))
	} else {
		defer func() {
			_ = advertiser.Stop()
		}()
		p.Success("mDNS service registered - device is now discoverable")
	}

	p.Blank()
	p.Println(ui.Accent(fmt.Sprintf("Listening for pairing requests on port %d...", server.Port())))
	p.Println(ui.Muted("Press Ctrl+C to stop"))
	p.Blank()

	events := make(chan network.ServerEvent, 16)
	stop := make(chan struct{})
	done := make(chan struct{})
	session := &listenSession{env: env, locals: locals, comments: make(map[string]string)}
	go func() {
		defer close(done)
		pump(events, stop, session.handle)
	}()

	if opts.once {
		err = server.HandleOne(ctx, events)
	} else {
		err = server.Run(ctx, events)
	}
	close(stop)
	<-done

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctx.Err() != nil {
		p.Blank()
		p.Info("Shutting down...")
	}
	p.Success("Connecto listener stopped")
	return nil
}

// listenSession prints server events and records completed pairings.
type listenSession struct {
	env      *environment
	locals   []net.IP
	comments map[string]string
}

func (s *listenSession) handle(ev network.ServerEvent) {
	p := s.env.ui
	switch ev.Type {
	case network.ServerStarted:
		p.Info("Server started on %s", ev.Addr)
	case network.ServerClientConnected:
		p.Blank()
		p.Info("Connection from %s", ui.Address(ev.Addr))
	case network.ServerPairingRequest:
		p.Info("Pairing request from %s (%s)", ui.Highlight(ev.DeviceName), ev.Addr)
		if ev.VerificationCode != "" {
			p.Info("Verification code: %s", ui.Accent(ev.VerificationCode))
			p.Println(ui.Muted("  Check that the other device shows the same code"))
		}
	case network.ServerKeyReceived:
		s.comments[ev.Addr] = ev.Comment
		p.Info("Received key: %s", ui.Muted(ev.Comment))
	case network.ServerPairingComplete:
		p.Blank()
		p.Success("Successfully paired with %s!", ui.Highlight(ev.DeviceName))
		p.Println("  " + ui.SymbolInfo + " They can now SSH to this machine.")
		if subnet, ok := crossSubnetHint(ev.Addr, s.locals); ok {
			p.Blank()
			p.Warn("VPN/Cross-subnet connection detected!")
			p.Println(fmt.Sprintf("  %s Tell %s to save your subnet for future scans:", ui.SymbolInfo, ui.Highlight(ev.DeviceName)))
			p.Command("  connecto config add-subnet " + subnet)
		}
		p.Blank()
		s.env.record(models.PairingEvent{
			Kind:        storage.KindListen,
			PeerName:    ev.DeviceName,
			PeerAddress: ev.Addr,
			KeyComment:  s.comments[ev.Addr],
			Outcome:     storage.OutcomeSuccess,
		})
		delete(s.comments, ev.Addr)
	case network.ServerError:
		p.Error("Pairing with %s failed: %s", ev.Addr, ev.Message)
		delete(s.comments, ev.Addr)
	}
}

// crossSubnetHint returns this device's /24 when the peer at addr is outside
// every local /24, which usually means it came in over a VPN.
func crossSubnetHint(addr string, locals []net.IP) (string, bool) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	peer := net.ParseIP(host)
	if peer == nil || peer.To4() == nil || peer.IsLoopback() || len(locals) == 0 {
		return "", false
	}
	peerSubnet := discovery.SubnetOf(peer)
	for _, local := range locals {
		if discovery.SubnetOf(local) == peerSubnet {
			return "", false
		}
	}
	return discovery.SubnetOf(locals[0]), true
}
