package cli

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"connecto/config"
	"connecto/discovery"
	cerrors "connecto/errors"
	"connecto/keys"
	"connecto/models"
	"connecto/network"
	"connecto/sshconfig"
	"connecto/storage"
	"connecto/ui"
)

type pairOptions struct {
	comment string
	rsa     bool
	key     string
}

var pairOpts pairOptions

var pairCmd = &cobra.Command{
	Use:   "pair <target>",
	Short: "Send this device's SSH key to a listening device",
	Long: `Pair with a device running 'connecto listen'. The target is a device
number from the last 'connecto scan', an IP address, or ip:port.

Key selection: --key, then default_key from the config, otherwise a new key
is generated and saved as ~/.ssh/connecto_<device>.

Examples:
  connecto pair 0
  connecto pair 192.168.1.20
  connecto pair 192.168.1.20:8099 --key ~/.ssh/id_ed25519`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPair(cmd, args[0], pairOpts)
	},
}

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.Flags().StringVarP(&pairOpts.comment, "comment", "c", "", "comment for a generated key (default: user@host)")
	pairCmd.Flags().BoolVar(&pairOpts.rsa, "rsa", false, "generate an RSA-4096 key instead of Ed25519")
	pairCmd.Flags().StringVarP(&pairOpts.key, "key", "k", "", "existing private key to send (its .pub is read)")
}

func runPair(cmd *cobra.Command, target string, opts pairOptions) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	p := env.ui

	p.Banner("CONNECTO PAIRING", ui.BannerPair)

	address, err := resolveTarget(target, config.CachePath(env.dataDir), env.cfg.Port)
	if err != nil {
		return err
	}
	p.Info("Connecting to %s...", ui.Address(address))
	p.Blank()

	keyPath := opts.key
	if keyPath == "" {
		keyPath = env.cfg.DefaultKey
	}

	var pair keys.KeyPair
	if keyPath != "" {
		keyPath = expandPath(keyPath)
		p.Info("Using existing key: %s", ui.Highlight(keyPath))
		pair, err = keys.LoadFromFile(keyPath)
		if err != nil {
			return err
		}
	} else {
		alg := keys.Ed25519
		if opts.rsa {
			alg = keys.RSA4096
			p.Warn("Using RSA-4096 (Ed25519 is recommended)")
		} else {
			p.Info("Using Ed25519 key")
		}
		comment := opts.comment
		if comment == "" {
			comment = defaultComment(discovery.Hostname())
		}
		pair, err = keys.Generate(alg, comment)
		if err != nil {
			return err
		}
	}

	client := network.NewHandshakeClient(network.ClientOptions{DeviceName: env.cfg.Name(), Logger: env.log})
	result, err := client.Pair(cmd.Context(), address, pair)
	if err != nil {
		env.record(models.PairingEvent{
			Kind:        storage.KindPair,
			PeerAddress: address,
			KeyComment:  pair.Comment,
			Outcome:     storage.OutcomeFailure,
			Details:     summary(err),
		})
		p.Error("Pairing failed")
		p.Blank()
		p.Hints("Troubleshooting:",
			"Make sure the target is running 'connecto listen'",
			"Check that the address is correct",
			"Verify the firewall allows the connection",
		)
		return err
	}

	p.Blank()
	p.Success("Pairing successful!")
	if result.VerificationCode != "" {
		p.Info("Verification code: %s", ui.Accent(result.VerificationCode))
	}
	p.Blank()

	if keyPath != "" {
		p.Section("Using existing key:", ui.Muted(keyPath))
	} else {
		name := "connecto_" + sshconfig.SanitizeName(result.ServerName)
		privatePath, publicPath, err := env.keys.SaveKeyPair(pair, name)
		if err != nil {
			return err
		}
		keyPath = privatePath
		p.Section("Key saved:",
			"Private: "+ui.Muted(privatePath),
			"Public:  "+ui.Muted(publicPath),
		)
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	alias := sshconfig.SanitizeName(result.ServerName)
	writeHostEntry(env, sshconfig.Entry{
		Alias:        alias,
		HostName:     host,
		User:         result.SSHUser,
		IdentityFile: keyPath,
	}, false)

	env.record(models.PairingEvent{
		Kind:        storage.KindPair,
		PeerName:    result.ServerName,
		PeerUser:    result.SSHUser,
		PeerAddress: address,
		KeyComment:  pair.Comment,
		Outcome:     storage.OutcomeSuccess,
	})
	return nil
}

// writeHostEntry adds entry to ~/.ssh/config, or replaces an existing block
// when replace is set, and tells the user how to connect.
func writeHostEntry(env *environment, entry sshconfig.Entry, replace bool) {
	p := env.ui

	mgr, err := env.sshConfig()
	added := false
	if err == nil {
		if replace {
			err = mgr.ReplaceHost(entry)
			added = err == nil
		} else {
			added, err = mgr.AddHost(entry)
		}
	}

	switch {
	case err != nil:
		p.Warn("Could not update ~/.ssh/config: %s", summary(err))
		p.Blank()
		p.Println(ui.Bold("You can connect with:"))
		p.Blank()
		p.Command(fmt.Sprintf("ssh -i %s %s@%s", entry.IdentityFile, entry.User, entry.HostName))
	case added:
		p.Success("Added to ~/.ssh/config as '%s'", entry.Alias)
		p.Blank()
		p.Println(ui.Bold("You can now connect with:"))
		p.Blank()
		p.Command("ssh " + entry.Alias)
	default:
		p.Info("Host '%s' already in ~/.ssh/config", entry.Alias)
		p.Blank()
		p.Println(ui.Bold("You can connect with:"))
		p.Blank()
		p.Command("ssh " + entry.Alias)
	}
	p.Blank()
}

// resolveTarget turns a cache index, ip or ip:port into a dialable address.
func resolveTarget(target, cachePath string, defaultPort int) (string, error) {
	if index, err := strconv.Atoi(target); err == nil {
		devices, err := discovery.LoadCache(cachePath)
		if err != nil || len(devices) == 0 {
			return "", cerrors.New(cerrors.ErrDeviceNotFound,
				"No cached devices found",
				"Run 'connecto scan' first, or provide an IP:port address")
		}
		if index < 0 || index >= len(devices) {
			return "", cerrors.New(cerrors.ErrDeviceNotFound,
				fmt.Sprintf("Invalid device number %d", index),
				fmt.Sprintf("Run 'connecto scan' to see available devices (0-%d)", len(devices)-1))
		}
		device := devices[index]
		address, ok := device.ConnectionString()
		if !ok {
			return "", cerrors.Newf(cerrors.ErrDeviceNotFound, "Device %s has no IP address", device.Name)
		}
		return address, nil
	}

	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	if defaultPort <= 0 {
		defaultPort = network.DefaultPort
	}
	return net.JoinHostPort(target, strconv.Itoa(defaultPort)), nil
}
