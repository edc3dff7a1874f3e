package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"syncmesh/core"
	"syncmesh/pkg/config"
	transport "syncmesh/transport/libp2p"
)

func main() {
	rootCmd := &cobra.Command{Use: "syncmeshd"}
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(joinCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func hostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "start an authority world and accept joins",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				logrus.Warnf("syncmeshd: no config file found (%v), using built-in defaults", err)
				c := config.Defaults()
				cfg = &c
			}
			return run(cfg, true)
		},
	}
	cmd.Flags().String("env", "", "environment overlay to merge over default.yaml")
	return cmd
}

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [bootstrap-addr]",
		Short: "join an existing world as a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				logrus.Warnf("syncmeshd: no config file found (%v), using built-in defaults", err)
				c := config.Defaults()
				cfg = &c
			}
			cfg.Network.BootstrapPeers = append(cfg.Network.BootstrapPeers, args[0])
			return run(cfg, false)
		},
	}
	cmd.Flags().String("env", "", "environment overlay to merge over default.yaml")
	return cmd
}

func run(cfg *config.Config, isAuthority bool) error {
	logger := newLogger(cfg.Logging.Level)

	// Guests don't know their assigned user byte until the host's JoinGrant
	// arrives, so every world starts its registry under GlobalUserByte
	// (core.NewWorld's documented contract).
	world := core.NewWorld(isAuthority, core.GlobalUserByte, logger)
	pipeline := core.NewPipeline(world, cfg.Sync.RateHz, logger)

	reg := prometheus.NewRegistry()
	metrics := core.NewMetrics(reg, "syncmesh")
	world.SetMetrics(metrics)

	if cfg.Metrics.Enabled {
		serveMetrics(cfg.Metrics.ListenAddr, reg, logger)
	}

	host, err := transport.NewHost(transport.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
		EnableNAT:      cfg.Network.EnableNAT,
	}, logger)
	if err != nil {
		return fmt.Errorf("syncmeshd: start transport: %w", err)
	}

	host.OnPeerConnected(func(conn core.Connection) {
		logger.WithField("peer", conn.PeerID()).Info("peer connected")
		if isAuthority {
			handleHostSideJoin(world, pipeline, conn, cfg, metrics, logger)
		} else {
			handleGuestSideJoin(world, pipeline, conn, logger)
		}
	})
	host.OnPeerDisconnected(func(conn core.Connection, reason core.DisconnectReason) {
		logger.WithField("peer", conn.PeerID()).WithField("reason", reason).Info("peer disconnected")
	})

	if err := host.Listen(); err != nil {
		return fmt.Errorf("syncmeshd: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	world.Start()
	if isAuthority {
		// The authority has no join handshake to wait for.
		world.SetState(core.StateRunning)
	}
	pipeline.Start(ctx)

	logger.WithFields(logrus.Fields{
		"authority": isAuthority,
		"listen":    cfg.Network.ListenAddr,
	}).Info("syncmeshd running")

	waitForSignal()

	pipeline.Dispose()
	return host.Close()
}

// handleHostSideJoin drives the authority's half of the join handshake
// (spec.md §4.11) for a freshly connected peer. It runs synchronously on the
// connection callback goroutine; a production deployment would hand this
// off to a dedicated join worker, but the sequence itself is exactly
// World.HostHandleJoinRequest followed by the grant/full-batch/start-delta
// sends.
func handleHostSideJoin(world *core.World, pipeline *core.Pipeline, conn core.Connection, cfg *config.Config, metrics *core.Metrics, logger *logrus.Logger) {
	conn.OnDataReceived(func(data []byte) {
		msg, err := core.DecodeMessage(core.NewReader(data))
		if err != nil || msg.Type != core.MsgControl || msg.Control.Subtype != core.ControlJoinRequest {
			pipeline.EnqueueInbound(conn, data)
			return
		}
		req, err := msg.Control.DecodeJoinRequest()
		if err != nil {
			logger.WithError(err).Warn("syncmeshd: malformed join request")
			return
		}

		grant, err := world.HostHandleJoinRequest(req, conn, uint32(cfg.Join.MaxUsers))
		if err != nil {
			logger.WithError(err).Warn("syncmeshd: join request rejected")
			w := core.NewWriter()
			w.WriteByte(byte(core.MsgControl))
			_ = core.EncodeControlMessage(w, core.ControlJoinReject, &core.JoinReject{Reason: err.Error()})
			_ = conn.Send(w.Bytes(), true, false)
			return
		}

		pipeline.LinkConnectionUser(conn, core.RefID(grant.AssignedUserID).UserByte())

		w := core.NewWriter()
		w.WriteByte(byte(core.MsgControl))
		if err := core.EncodeControlMessage(w, core.ControlJoinGrant, grant); err != nil {
			logger.WithError(err).Warn("syncmeshd: failed to encode join grant")
			return
		}
		if err := conn.Send(w.Bytes(), true, false); err != nil {
			logger.WithError(err).Warn("syncmeshd: failed to send join grant")
			return
		}

		sendFullBatchAndStartDelta(world, conn, metrics, logger)
	})
}

// handleGuestSideJoin drives the client half of the join handshake: send a
// JoinRequest as soon as the host connection is up, then dispatch the
// resulting JoinGrant/full-batch/JoinStartDelta/JoinReject sequence before
// handing steady-state traffic to the pipeline (spec.md §4.11).
func handleGuestSideJoin(world *core.World, pipeline *core.Pipeline, conn core.Connection, logger *logrus.Logger) {
	conn.OnDataReceived(func(data []byte) {
		msg, err := core.DecodeMessage(core.NewReader(data))
		if err != nil {
			logger.WithError(err).Warn("syncmeshd: dropping malformed message from host")
			return
		}
		if msg.Type != core.MsgControl {
			pipeline.EnqueueInbound(conn, data)
			return
		}
		switch msg.Control.Subtype {
		case core.ControlJoinGrant:
			grant, err := msg.Control.DecodeJoinGrant()
			if err != nil {
				logger.WithError(err).Warn("syncmeshd: malformed join grant")
				return
			}
			world.GuestHandleJoinGrant(grant)
			pipeline.LinkConnectionUser(conn, core.RefID(grant.AssignedUserID).UserByte())
		case core.ControlJoinStartDelta:
			replayed := world.GuestHandleJoinStartDelta()
			logger.WithField("replayed", replayed).Debug("syncmeshd: entered running state")
		case core.ControlJoinReject:
			reject, _ := msg.Control.DecodeJoinReject()
			reason := "unknown"
			if reject != nil {
				reason = reject.Reason
			}
			logger.WithField("reason", reason).Error("syncmeshd: join rejected by host")
		default:
			pipeline.EnqueueInbound(conn, data)
		}
	})

	req := &core.JoinRequest{UserName: "guest", MachineID: hostMachineID(), UserID: 0}
	w := core.NewWriter()
	w.WriteByte(byte(core.MsgControl))
	if err := core.EncodeControlMessage(w, core.ControlJoinRequest, req); err != nil {
		logger.WithError(err).Error("syncmeshd: failed to encode join request")
		return
	}
	if err := conn.Send(w.Bytes(), true, false); err != nil {
		logger.WithError(err).Error("syncmeshd: failed to send join request")
	}
}

func hostMachineID() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func sendFullBatchAndStartDelta(world *core.World, conn core.Connection, metrics *core.Metrics, logger *logrus.Logger) {
	header := core.BatchHeader{
		Type:               core.MsgFull,
		SenderStateVersion: world.StateVersion(),
		SenderSyncTick:     world.SyncTick(),
		SenderWallTime:     world.TotalTime(),
	}
	batch, err := world.SyncController().CollectFullBatch(header)
	if err != nil {
		logger.WithError(err).Warn("syncmeshd: failed to collect full batch for new join")
		return
	}
	w := core.NewWriter()
	if err := (&core.Message{Type: core.MsgFull, Batch: batch}).Encode(w); err != nil {
		logger.WithError(err).Warn("syncmeshd: failed to encode full batch")
		return
	}
	if err := conn.Send(w.Bytes(), true, false); err != nil {
		logger.WithError(err).Warn("syncmeshd: failed to send full batch")
		return
	}
	metrics.FullBatchesSent.Inc()

	startDelta := core.NewWriter()
	startDelta.WriteByte(byte(core.MsgControl))
	if err := core.EncodeControlMessage(startDelta, core.ControlJoinStartDelta, &core.JoinStartDelta{}); err != nil {
		logger.WithError(err).Warn("syncmeshd: failed to encode join start delta")
		return
	}
	_ = conn.Send(startDelta.Bytes(), true, false)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logrus.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		if err := http.ListenAndServe(addr, r); err != nil {
			logger.WithError(err).Warn("syncmeshd: metrics server stopped")
		}
	}()
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
