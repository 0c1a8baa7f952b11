package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"connecto/discovery"
	cerrors "connecto/errors"
	"connecto/keys"
	"connecto/models"
	"connecto/network"
	"connecto/sshconfig"
	"connecto/storage"
	"connecto/ui"
)

type syncOptions struct {
	port    int
	name    string
	timeout int
	rsa     bool
	key     string
}

var syncOpts syncOptions

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Exchange SSH keys both ways with another device",
	Long: `Run 'connecto sync' on two devices on the same network. They find each
other over mDNS, install each other's public key, and add an ~/.ssh/config
entry for the peer, so either side can ssh to the other.

Examples:
  connecto sync
  connecto sync --timeout 120
  connecto sync --key ~/.ssh/id_ed25519`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, syncOpts)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().IntVarP(&syncOpts.port, "port", "p", network.DefaultPort, "TCP port to listen on")
	syncCmd.Flags().StringVarP(&syncOpts.name, "name", "n", "", "device name to advertise (default: configured name or hostname)")
	syncCmd.Flags().IntVarP(&syncOpts.timeout, "timeout", "t", int(network.DefaultSyncTimeout/time.Second), "seconds to wait for a peer")
	syncCmd.Flags().BoolVar(&syncOpts.rsa, "rsa", false, "generate an RSA-4096 key instead of Ed25519")
	syncCmd.Flags().StringVarP(&syncOpts.key, "key", "k", "", "existing private key to send (its .pub is read)")
}

func runSync(cmd *cobra.Command, opts syncOptions) error {
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
	timeout := time.Duration(opts.timeout) * time.Second

	p.Banner("CONNECTO SYNC", ui.BannerSync)

	locals, err := discovery.LocalIPv4Addresses()
	if err != nil || len(locals) == 0 {
		return cerrors.New(cerrors.ErrNetwork, "No network interfaces found",
			"Connect both devices to the same network")
	}

	p.Info("Device name: %s", ui.Highlight(deviceName))
	p.Info("Port: %s", ui.Highlight(strconv.Itoa(port)))
	p.Info("Timeout: %s", ui.Highlight(fmt.Sprintf("%ds", opts.timeout)))
	p.Blank()
	items := make([]string, 0, len(locals))
	for _, ip := range locals {
		items = append(items, ip.String())
	}
	p.Section("Local IP addresses:", items...)

	pair, keyPath, err := syncKey(env, deviceName, opts)
	if err != nil {
		return err
	}

	mdns := discovery.Config{DeviceName: deviceName, DeviceID: env.cfg.DeviceID, Logger: env.log}
	advertiser, err := discovery.NewSyncAdvertiser(mdns)
	if err != nil {
		return err
	}
	browser, err := discovery.NewSyncBrowser(mdns)
	if err != nil {
		return err
	}

	handler, err := network.NewSyncHandler(network.SyncOptions{
		DeviceName:     deviceName,
		KeyPair:        pair,
		AuthorizedKeys: env.keys,
		Advertiser:     advertiser,
		Browser:        browser,
		Logger:         env.log,
	})
	if err != nil {
		return err
	}

	p.Blank()
	p.Println(ui.Accent("Waiting for sync peer..."))
	p.Println(ui.Muted("Run 'connecto sync' on another device on the same network"))
	p.Println(ui.Muted("Press Ctrl+C to cancel"))
	p.Blank()

	events := make(chan network.SyncEvent, 16)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(events, stop, func(ev network.SyncEvent) { printSyncEvent(p, ev) })
	}()

	result, err := handler.Run(ctx, port, timeout, events)
	close(stop)
	<-done

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			p.Blank()
			p.Info("Sync cancelled by user")
			return nil
		}
		env.record(models.PairingEvent{
			Kind:       storage.KindSync,
			KeyComment: pair.Comment,
			Outcome:    storage.OutcomeFailure,
			Details:    summary(err),
		})
		p.Blank()
		if cerrors.IsCode(err, cerrors.ErrSyncWithSelf) {
			p.Warn("This device found its own sync advertisement")
			p.Hints("Troubleshooting:", "Run 'connecto sync' on a second device")
			return err
		}
		p.Hints("Troubleshooting:",
			"Make sure both devices are on the same network",
			"Check that mDNS/Bonjour is not blocked",
			"Try increasing timeout: "+ui.Highlight(fmt.Sprintf("connecto sync --timeout %d", opts.timeout*2)),
		)
		return err
	}

	peerAddress := net.JoinHostPort(result.PeerAddress.String(), strconv.Itoa(int(result.PeerPort)))
	p.Blank()
	p.Section("Sync Summary:",
		"Peer: "+ui.Highlight(result.PeerName),
		"User: "+result.PeerUser,
		"Address: "+ui.Address(peerAddress),
	)

	alias := sshconfig.SanitizeHostname(result.PeerName)
	if alias == "" {
		alias = "connecto-peer"
	}
	writeHostEntry(env, sshconfig.Entry{
		Alias:        alias,
		HostName:     result.PeerAddress.String(),
		User:         result.PeerUser,
		IdentityFile: keyPath,
	}, true)

	env.record(models.PairingEvent{
		Kind:        storage.KindSync,
		PeerName:    result.PeerName,
		PeerUser:    result.PeerUser,
		PeerAddress: peerAddress,
		KeyComment:  pair.Comment,
		Outcome:     storage.OutcomeSuccess,
	})

	p.Success("Sync successful!")
	return nil
}

// syncKey loads --key, or the device's stable sync key, generating it on
// first use. The returned path is the private key the ssh config points at.
func syncKey(env *environment, deviceName string, opts syncOptions) (keys.KeyPair, string, error) {
	p := env.ui
	if opts.key != "" {
		path := expandPath(opts.key)
		p.Info("Using existing key: %s", ui.Muted(path))
		pair, err := keys.LoadFromFile(path)
		return pair, path, err
	}

	alg := keys.Ed25519
	if opts.rsa {
		alg = keys.RSA4096
	}
	name := "connecto_sync_" + sshconfig.SanitizeHostname(deviceName)
	pair, path, err := keys.Ensure(env.keys, name, alg, defaultComment(deviceName))
	if err != nil {
		return keys.KeyPair{}, "", err
	}
	p.Info("Sync key: %s (%s)", ui.Muted(path), pair.Algorithm)
	return pair, path, nil
}

func printSyncEvent(p *ui.Printer, ev network.SyncEvent) {
	switch ev.Type {
	case network.SyncStarted:
		p.Info("Listening on %s", ui.Address(ev.Addr))
	case network.SyncSearching:
		p.Info("Searching for sync peers via mDNS...")
	case network.SyncPeerFound:
		p.Blank()
		p.Info("Found peer: %s (%s)", ui.Highlight(ev.DeviceName), ev.Addr)
	case network.SyncConnected:
		p.Info("Connected to %s", ui.Highlight(ev.DeviceName))
	case network.SyncKeyReceived:
		p.Info("Received key from %s: %s", ui.Highlight(ev.DeviceName), ui.Muted(ev.KeyComment))
	case network.SyncKeyAccepted:
		p.Info("Our key was accepted by peer")
	case network.SyncCompleted:
		p.Blank()
		p.Success("Sync completed with %s!", ui.Highlight(ev.DeviceName))
		p.Println("  " + ui.SymbolInfo + " Bidirectional SSH access established.")
	case network.SyncFailed:
		p.Warn("Sync attempt failed: %s", ev.Message)
	}
}
