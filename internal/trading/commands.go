package trading

import (
	"context"
	"fmt"
	"strings"

	"session-trader/internal/audit"
	"session-trader/internal/models"
)

// processCommands drains the command queue and replies to each command.
func (o *Orchestrator) processCommands(ctx context.Context) {
	cmds, err := o.notifier.PollCommands(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to poll commands")
		return
	}
	for _, cmd := range cmds {
		cmd := cmd
		o.logger.Info().Str("id", cmd.ID).Str("command", cmd.Command).Str("args", cmd.Args).Msg("Command received")
		var reply string
		o.safely("command "+cmd.Command, func() { reply = o.HandleCommand(ctx, cmd) })
		ok := reply != ""
		if !ok {
			reply = msgCommandError(cmd.Command, fmt.Errorf("internal error"))
		}
		o.record(ctx, audit.Event{
			Type:    audit.CommandHandled,
			Action:  cmd.Command,
			Success: ok,
			Details: map[string]interface{}{"id": cmd.ID, "args": cmd.Args, "chat_id": cmd.ChatID},
		})
		if err := o.notifier.SendResult(ctx, cmd.ChatID, reply); err != nil {
			o.logger.Warn().Err(err).Str("command", cmd.Command).Msg("Failed to send command result")
		}
	}
}

// HandleCommand executes one operator command and returns the reply.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd models.Command) string {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cmd.Command), "/")) {
	case "status", "positions":
		return msgStatus(o.openPositions(), o.manualHalt, o.venueSummaries())
	case "halt":
		o.manualHalt = true
		o.logger.Info().Msg("Trading manually halted")
		o.record(ctx, audit.Event{Type: audit.TradingHalted, Action: "manual", Success: true})
		return msgHalted()
	case "resume":
		o.manualHalt = false
		o.logger.Info().Msg("Trading manually resumed")
		o.record(ctx, audit.Event{Type: audit.TradingResumed, Action: "manual", Success: true})
		return msgResumed()
	case "close":
		return o.cmdClose(ctx, strings.ToUpper(strings.TrimSpace(cmd.Args)))
	case "stats":
		stats, err := o.trades.Stats(ctx, o.clock.Now())
		if err != nil {
			o.logger.Warn().Err(err).Msg("Could not load trade statistics")
			return msgStatsUnavailable()
		}
		return msgStats(stats)
	case "help", "start":
		return msgHelp()
	default:
		return msgUnknownCommand(cmd.Command)
	}
}

func (o *Orchestrator) cmdClose(ctx context.Context, symbol string) string {
	if symbol == "" {
		return msgCloseUsage()
	}
	pos, ok := o.positions[symbol]
	if !ok || !pos.IsOpen() {
		return msgNoPosition(symbol)
	}

	o.exitPosition(ctx, pos, o.priceFor(ctx, pos), models.CloseReasonManual)
	if pos.IsOpen() {
		return msgManualCloseFailed(symbol)
	}
	return msgManualClosed(pos)
}

type venueSummary struct {
	Name  string
	Phase Phase
}

func (o *Orchestrator) venueSummaries() []venueSummary {
	out := make([]venueSummary, 0, len(o.venues))
	for _, v := range o.venues {
		out = append(out, venueSummary{Name: v.name, Phase: v.state.Phase})
	}
	return out
}
