package fallback

import (
	"context"
	"time"

	"connecto/logger"
)

// DefaultSettleDelay is how long Establish waits for a new link to come up.
const DefaultSettleDelay = 2 * time.Second

// HandlerConfig controls a Handler.
type HandlerConfig struct {
	DeviceName  string
	SettleDelay time.Duration
	Logger      logger.Logger
	// Network overrides the platform implementation.
	Network Network
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	out := c
	if out.SettleDelay <= 0 {
		out.SettleDelay = DefaultSettleDelay
	}
	if out.Logger == nil {
		out.Logger = logger.Noop()
	}
	if out.Network == nil {
		out.Network = NewNetwork(out.DeviceName, out.Logger)
	}
	return out
}

// Handler runs the ad-hoc fallback for one listen or scan session.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler creates a handler for the current platform.
func NewHandler(config HandlerConfig) *Handler {
	return &Handler{cfg: config.withDefaults()}
}

// Network returns the underlying platform network.
func (h *Handler) Network() Network {
	return h.cfg.Network
}

// Establish brings up ad-hoc connectivity. A listener hosts a network; a
// scanner joins the first Connecto network it sees. On success it returns
// the host address to dial. ok is false when a scanner found no network.
func (h *Handler) Establish(ctx context.Context, isListener bool) (ip string, ok bool, err error) {
	if isListener {
		ssid, err := h.cfg.Network.CreateNetwork()
		if err != nil {
			h.cfg.Logger.Warn("failed to create ad-hoc network: %v", err)
			return "", false, err
		}
		h.cfg.Logger.Info("created fallback network %s", ssid)
	} else {
		networks, err := h.cfg.Network.ScanForNetworks()
		if err != nil {
			return "", false, err
		}
		if len(networks) == 0 {
			h.cfg.Logger.Info("no Connecto ad-hoc networks found")
			return "", false, nil
		}
		if err := h.cfg.Network.JoinNetwork(networks[0]); err != nil {
			return "", false, err
		}
		h.cfg.Logger.Info("joined fallback network %s", networks[0])
	}

	timer := time.NewTimer(h.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
	return HostIP, true, nil
}

// Cleanup restores the network that was active before Establish.
func (h *Handler) Cleanup() {
	if err := h.cfg.Network.RestorePreviousNetwork(); err != nil {
		h.cfg.Logger.Warn("failed to restore previous network: %v", err)
	}
}
