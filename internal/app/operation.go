package app

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/monitor"
	"github.com/sndnv/stasis-sub004/internal/state"
	"github.com/sndnv/stasis-sub004/internal/tracking"
)

// Command types understood by the client.
const (
	CommandLogoutUser      = "logout_user"
	CommandStopOperation   = "stop_operation"
	CommandRefreshProgress = "refresh_progress"
)

// serverName identifies the local API in reachability events.
const serverName = "api"

// HandleCommand executes a single server-issued command.
func (a *StasisApp) HandleCommand(_ context.Context, command *model.Command) error {
	switch command.Type {
	case CommandStopOperation:
		status, ok := a.executor.Status()
		if !ok || !status.Running {
			a.logger.Info("no operation to stop", "sequence", command.Sequence)
			return nil
		}
		if command.Target != nil && *command.Target != status.ID {
			a.logger.Info("stop requested for inactive operation", "sequence", command.Sequence, "target", *command.Target)
			return nil
		}
		a.executor.Stop()
		return nil
	case CommandLogoutUser:
		a.Lock()
		a.logger.Warn("device secret locked by server command", "sequence", command.Sequence)
		return nil
	case CommandRefreshProgress:
		if err := a.progress.Persist(); err != nil {
			return fmt.Errorf("persisting progress: %w", err)
		}
		a.logger.Debug("progress persisted", "sequence", command.Sequence)
		return nil
	default:
		return fmt.Errorf("unsupported command type %q", command.Type)
	}
}

// Watch runs the server monitor and the command processor until ctx is cancelled.
func (a *StasisApp) Watch(ctx context.Context) error {
	sequences, err := state.NewStore[int64](stateDir(a.cfg, "commands"), a.cfg.State.RetainedVersions, state.JSONSerdes[int64]{}, a.logger)
	if err != nil {
		return fmt.Errorf("creating command state store: %w", err)
	}

	servers := monitor.NewServerMonitor(serverName, a.client(), tracking.NewServerTracker(a.sink, a.clock), a.cfg.Monitoring, a.logger)
	commands := monitor.NewCommandProcessor(a.client(), a.HandleCommand, sequences, a.cfg.Commands, a.logger)

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(servers.Run)
	p.Go(commands.Run)
	return p.Wait()
}
