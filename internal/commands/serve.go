package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rvguard/rvguard/internal/alert"
	"github.com/rvguard/rvguard/internal/audit"
	"github.com/rvguard/rvguard/internal/config"
	"github.com/rvguard/rvguard/internal/deadline"
	"github.com/rvguard/rvguard/internal/dispatch"
	"github.com/rvguard/rvguard/internal/manager"
	"github.com/rvguard/rvguard/internal/safety"
	"github.com/rvguard/rvguard/internal/server"
	"github.com/rvguard/rvguard/internal/vehicle"
	"github.com/rvguard/rvguard/pkg/types"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the rvguard safety control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", ".", "Directory containing rvguard.yaml")
	return cmd
}

// deviceDeployed reports whether the named feature's physical device is
// currently deployed. Anything that cannot be confirmed retracted reads as
// deployed: a nil service, a snapshot from before the first vehicle poll,
// and features without a known deployment signal all fail closed.
func deviceDeployed(svc *safety.Service, name string) bool {
	if svc == nil {
		return true
	}
	vs := svc.SystemState()
	if vs.UpdatedAt.IsZero() {
		return true
	}
	switch name {
	case "slides":
		return vs.SlidesDeployed
	case "leveling_jacks":
		return vs.JacksDeployed
	default:
		return true
	}
}

func runServe(configDir string) error {
	svcCfg, set, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.Default()
	ctx := context.Background()

	// Audit trail
	trail, err := audit.NewTrail(svcCfg.AuditSinks, logger)
	if err != nil {
		return fmt.Errorf("creating audit trail: %w", err)
	}

	// Notifications
	notifier, err := alert.NewDispatcher(svcCfg.Notifiers, logger)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}

	// Deadline monitor
	monitor := deadline.New(deadline.ConfigFromService(svcCfg.Deadlines), logger)

	// Bus command dispatch. Without a gateway the commands are acknowledged
	// locally; the semaphore bound still applies.
	maxConcurrent := int64(0)
	if svcCfg.Dispatch != nil {
		maxConcurrent = svcCfg.Dispatch.MaxConcurrent
	}
	var sender dispatch.Sender = dispatch.NewLogSender(logger)
	if svcCfg.Vehicle != nil && svcCfg.Vehicle.Source == "http" && svcCfg.Vehicle.URL != "" {
		sender = dispatch.NewHTTPSender(svcCfg.Vehicle.URL + "/commands")
	}
	disp := dispatch.New(sender, monitor, nil, maxConcurrent, logger)

	// Feature manager
	resetCode := ""
	if svcCfg.Safety != nil {
		resetCode = svcCfg.Safety.ResetAuthCode
	}
	var svc *safety.Service
	mgr := manager.New(set, trail, logger,
		manager.WithAuthorizer(func(code string) bool {
			return resetCode != "" && code == resetCode
		}),
		// Refuse disabling position-critical features while the chassis
		// reports their device deployed. Unknown device state fails closed.
		manager.WithDeploymentProbe(func(name string) bool {
			return deviceDeployed(svc, name)
		}),
	)

	// Safety service, cross-wired with the manager. The feature health pass
	// runs inside the kicked check loop so a wedged probe trips the watchdog.
	safetyCfg := safety.ConfigFromService(svcCfg.Safety)
	healthLoop := manager.NewHealthLoop(mgr, safetyCfg.HealthCheckInterval)
	svc = safety.New(safetyCfg, monitor, logger,
		safety.WithSafeStateFunc(mgr.ForceSafeShutdown),
		safety.WithHealthCheck(healthLoop.CheckNow),
		safety.WithNotifier(notifier.NotifyFunc()),
		safety.WithAuditRecorder(trail.RecordFunc()),
		safety.WithActionDispatcher(func(feature string, action types.SafeStateAction, interlock string) {
			go func() {
				cmd := dispatch.Command{
					Entity:  feature,
					Kind:    types.OpSafetyInterlock,
					Payload: map[string]any{"action": string(action), "interlock": interlock},
				}
				if _, err := disp.Dispatch(ctx, cmd); err != nil {
					logger.Error("safe-state command dispatch failed",
						"feature", feature, "action", action, "error", err)
				}
			}()
		}),
	)
	mgr.SetEmergencyStop(svc.EmergencyStop)

	// A critical brake violation means the bus is not answering in time.
	monitor.OnViolation(func(v types.DeadlineViolation) {
		trail.Record(ctx, types.AuditEntry{
			Kind:   types.EventDeadlineViolation,
			Action: string(v.Kind),
			Reason: fmt.Sprintf("entity %s exceeded %s by %s", v.EntityID, v.Deadline, v.Actual-v.Deadline),
			Details: map[string]any{
				"operationId": v.OperationID,
				"severity":    v.Severity,
				"timedOut":    v.TimedOut,
			},
		})
		if v.Severity != types.SeverityCritical {
			return
		}
		if v.Kind == types.OpBrakeCommand || v.Kind == types.OpBrakeAcknowledgment {
			svc.EmergencyStop(fmt.Sprintf("critical %s deadline violation on %s", v.Kind, v.EntityID))
		}
	})

	// Vehicle-state feed
	source, err := vehicle.NewSource(svcCfg.Vehicle, logger)
	if err != nil {
		return fmt.Errorf("creating vehicle source: %w", err)
	}
	poller := vehicle.NewPoller(source, vehicle.PollInterval(svcCfg.Vehicle),
		svc.UpdateSystemState, logger)

	// Features
	mgr.RegisterDefaults()
	if err := mgr.StartAll(ctx); err != nil {
		return fmt.Errorf("starting features: %w", err)
	}

	poller.Start(ctx)
	svc.Start(ctx)

	// Status server
	addr := ":3000"
	if svcCfg.Server != nil && svcCfg.Server.Addr != "" {
		addr = svcCfg.Server.Addr
	}
	srv := server.New(addr, mgr, svc, monitor, trail, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		color.Yellow("\nReceived %s, shutting down...", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		svc.Stop()
		poller.Stop()
		mgr.StopAll(shutdownCtx)
		monitor.Stop()
		trail.Flush(shutdownCtx)
		color.Green("Shutdown complete")
		return nil
	}
}
