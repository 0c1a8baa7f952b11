package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"connecto/config"
	cerrors "connecto/errors"
	"connecto/keys"
	"connecto/logger"
	"connecto/models"
	"connecto/network"
	"connecto/sshconfig"
	"connecto/storage"
	"connecto/ui"
)

// environment is what every command loads once before doing any work.
type environment struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	keys    *keys.Manager
	ui      *ui.Printer
	log     logger.Logger
}

func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, cerrors.WrapWithCode(err, cerrors.ErrConfig,
			"Failed to load configuration",
			"Set "+config.DataDirEnv+" to a writable directory")
	}
	km, err := keys.NewManager()
	if err != nil {
		return nil, err
	}
	return &environment{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		keys:    km,
		ui:      ui.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		log:     logger.Default(),
	}, nil
}

// port returns the --port flag when given, else the configured port.
func (e *environment) port(cmd *cobra.Command, flagValue int) int {
	if cmd.Flags().Changed("port") || e.cfg.Port <= 0 {
		return flagValue
	}
	return e.cfg.Port
}

// record appends a pairing history row. History is best effort.
func (e *environment) record(event models.PairingEvent) {
	store, err := storage.OpenPath(config.DatabasePath(e.dataDir))
	if err != nil {
		e.log.Warn("pairing history unavailable: %v", err)
		return
	}
	defer func() {
		_ = store.Close()
	}()
	if _, err := store.LogPairingEvent(event); err != nil {
		e.log.Warn("failed to record %s event: %v", event.Kind, err)
	}
}

func (e *environment) sshConfig() (*sshconfig.Manager, error) {
	return sshconfig.NewManager()
}

// defaultComment is "<user>@<device>".
func defaultComment(device string) string {
	return network.CurrentSSHUser() + "@" + device
}

// expandPath resolves a leading "~/".
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// summary renders err on one line for event output and history rows.
func summary(err error) string {
	var e *cerrors.Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return e.Message + ": " + e.Cause.Error()
		}
		return e.Message
	}
	return err.Error()
}

// pump hands events to handle until stop closes, then drains what is left.
func pump[T any](events <-chan T, stop <-chan struct{}, handle func(T)) {
	for {
		select {
		case ev := <-events:
			handle(ev)
		case <-stop:
			for {
				select {
				case ev := <-events:
					handle(ev)
				default:
					return
				}
			}
		}
	}
}
