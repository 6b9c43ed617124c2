// Package monitor runs the client's background sidecars: server reachability
// checks and processing of server-issued commands.
package monitor

import (
	"context"
	"fmt"

	"github.com/sndnv/stasis-sub004/internal/config"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/scheduling"
	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// Pinger checks that a server is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerMonitor periodically pings a server and reports its reachability.
type ServerMonitor struct {
	server  string
	api     Pinger
	tracker stasis.ServerTracker
	poller  *scheduling.Poller
}

// NewServerMonitor creates a monitor for the named server.
func NewServerMonitor(server string, api Pinger, tracker stasis.ServerTracker, cfg config.PollingConfig, logger stasis.Logger) *ServerMonitor {
	m := &ServerMonitor{server: server, api: api, tracker: tracker}
	m.poller = &scheduling.Poller{
		Name:         "server-monitor",
		InitialDelay: cfg.InitialDelay,
		Interval:     cfg.Interval,
		Poll:         m.Check,
		Logger:       logger,
	}
	return m
}

// Check pings the server once and reports the result.
func (m *ServerMonitor) Check(ctx context.Context) error {
	if err := m.api.Ping(ctx); err != nil {
		m.tracker.ServerUnreachable(m.server, err)
		return fmt.Errorf("server %s unreachable: %w", m.server, err)
	}
	m.tracker.ServerReachable(m.server)
	return nil
}

// Run checks the server until ctx is cancelled.
func (m *ServerMonitor) Run(ctx context.Context) error {
	return m.poller.Run(ctx)
}

// CommandSource returns commands newer than lastSequence (all when nil).
type CommandSource interface {
	Commands(ctx context.Context, lastSequence *int64) ([]*model.Command, error)
}

// CommandHandler executes a single command.
type CommandHandler func(ctx context.Context, command *model.Command) error

// SequenceStore persists the last processed command sequence; state.Store satisfies it.
type SequenceStore interface {
	Persist(state int64) error
	Restore() (int64, bool, error)
}

// CommandProcessor fetches commands and hands them to a handler in sequence
// order. A command whose handler fails is logged and not retried.
type CommandProcessor struct {
	source  CommandSource
	handler CommandHandler
	store   SequenceStore
	logger  stasis.Logger
	poller  *scheduling.Poller
}

// NewCommandProcessor creates a processor resuming after the last persisted sequence.
func NewCommandProcessor(source CommandSource, handler CommandHandler, store SequenceStore, cfg config.PollingConfig, logger stasis.Logger) *CommandProcessor {
	p := &CommandProcessor{source: source, handler: handler, store: store, logger: logger}
	p.poller = &scheduling.Poller{
		Name:         "command-processor",
		InitialDelay: cfg.InitialDelay,
		Interval:     cfg.Interval,
		Poll:         func(ctx context.Context) error { _, err := p.Process(ctx); return err },
		Logger:       logger,
	}
	return p
}

// Process handles all pending commands once and returns how many were processed.
func (p *CommandProcessor) Process(ctx context.Context) (int, error) {
	var last *int64
	sequence, ok, err := p.store.Restore()
	if err != nil {
		return 0, fmt.Errorf("restoring last processed command: %w", err)
	}
	if ok {
		last = &sequence
	}

	commands, err := p.source.Commands(ctx, last)
	if err != nil {
		return 0, fmt.Errorf("fetching commands: %w", err)
	}

	processed := 0
	for _, command := range commands {
		if last != nil && command.Sequence <= *last {
			continue
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if err := p.handler(ctx, command); err != nil {
			p.logger.Warn("command failed", "sequence", command.Sequence, "type", command.Type, "error", err)
		} else {
			p.logger.Info("command processed", "sequence", command.Sequence, "type", command.Type)
		}

		if err := p.store.Persist(command.Sequence); err != nil {
			return processed, fmt.Errorf("persisting last processed command: %w", err)
		}
		s := command.Sequence
		last = &s
		processed++
	}
	return processed, nil
}

// Run processes commands until ctx is cancelled.
func (p *CommandProcessor) Run(ctx context.Context) error {
	return p.poller.Run(ctx)
}
