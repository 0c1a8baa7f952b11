package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"connecto/config"
	"connecto/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or change connecto settings",
}

var configAddSubnetCmd = &cobra.Command{
	Use:   "add-subnet <cidr>",
	Short: "Probe an extra subnet on every scan (e.g. a VPN network)",
	Long: `Add a subnet that 'connecto scan' probes directly, for devices reachable
over a VPN or another routed network.

Examples:
  connecto config add-subnet 10.105.225.0/24`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		added, err := config.Update(env.cfgPath, func(cfg *config.Config) (bool, error) {
			return cfg.AddSubnet(args[0])
		})
		if err != nil {
			return err
		}
		if !added {
			env.ui.Info("Subnet %s is already configured", ui.Highlight(args[0]))
			return nil
		}
		env.ui.Success("Added subnet %s", ui.Highlight(args[0]))
		env.ui.Println(ui.Muted("  'connecto scan' will now probe this subnet"))
		return nil
	},
}

var configRemoveSubnetCmd = &cobra.Command{
	Use:   "remove-subnet <cidr>",
	Short: "Stop probing a subnet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}
		removed, err := config.Update(env.cfgPath, func(cfg *config.Config) (bool, error) {
			return cfg.RemoveSubnet(args[0]), nil
		})
		if err != nil {
			return err
		}
		if !removed {
			env.ui.Info("Subnet %s was not configured", ui.Highlight(args[0]))
			return nil
		}
		env.ui.Success("Removed subnet %s", ui.Highlight(args[0]))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigList(cmd)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configAddSubnetCmd)
	configCmd.AddCommand(configRemoveSubnetCmd)
	configCmd.AddCommand(configListCmd)
}

func runConfigList(cmd *cobra.Command) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	p := env.ui
	cfg := env.cfg

	defaultKey := cfg.DefaultKey
	if defaultKey == "" {
		defaultKey = ui.Muted("(generate per pairing)")
	}
	p.Section("Connecto configuration:",
		"Config file: "+ui.Muted(env.cfgPath),
		"Device name: "+ui.Highlight(cfg.Name()),
		"Device ID:   "+cfg.DeviceID,
		fmt.Sprintf("Port:        %d", cfg.Port),
		"Default key: "+defaultKey,
	)

	if len(cfg.Subnets) == 0 {
		p.Println(ui.Bold("Subnets:") + " " + ui.Muted("none"))
		p.Blank()
	} else {
		p.Section("Subnets:", cfg.Subnets...)
	}

	mgr, err := env.sshConfig()
	if err != nil {
		env.log.Debug("ssh config unavailable: %v", err)
		return nil
	}
	hosts, err := mgr.Hosts()
	if err != nil {
		p.Warn("Could not read %s: %s", mgr.Path, summary(err))
		return nil
	}
	if len(hosts) == 0 {
		return nil
	}
	items := make([]string, 0, len(hosts))
	for _, h := range hosts {
		target := h.HostName
		if h.User != "" {
			target = h.User + "@" + target
		}
		items = append(items, fmt.Sprintf("%s %s %s", ui.Highlight(h.Alias), ui.SymbolInfo, ui.Address(target)))
	}
	p.Section("SSH hosts:", items...)
	return nil
}
