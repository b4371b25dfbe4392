package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hubbot/internal/database"
	"hubbot/internal/fleet"
	"hubbot/internal/identity"
	"hubbot/internal/logger"
	"hubbot/internal/panel"
	"hubbot/internal/snapshot"
	"hubbot/internal/worker"
)

var commandNames = []string{"user", "usage", "addgb", "adddays", "enable", "disable", "reset", "delete", "snapshot"}

var usage = map[string]string{
	"user":     "/user <uuid|username>",
	"usage":    "/usage <uuid|username>",
	"addgb":    "/addgb <uuid|username> <gb> [kind|panel]",
	"adddays":  "/adddays <uuid|username> <days> [kind|panel]",
	"enable":   "/enable <uuid|username>",
	"disable":  "/disable <uuid|username>",
	"reset":    "/reset <uuid|username> [kind]",
	"delete":   "/delete <uuid|username>",
	"snapshot": "/snapshot",
}

// parseCommand splits "/cmd@bot a b" into "cmd" and its arguments.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), fields[1:]
}

// target reads the optional kind-or-panel-name argument.
func target(args []string, i int) (panel.Kind, string) {
	if len(args) <= i {
		return "", ""
	}
	if k, err := panel.ParseKind(args[i]); err == nil {
		return k, ""
	}
	return "", args[i]
}

func (b *Bot) dispatch(ctx context.Context, adminID int64, text string) string {
	name, args := parseCommand(text)
	help, known := usage[name]
	if !known {
		return ""
	}
	if name != "snapshot" && len(args) == 0 {
		return "usage: " + help
	}

	switch name {
	case "user":
		v, err := b.core.GetOne(ctx, args[0], true)
		if err != nil {
			return describeError(err)
		}
		if v == nil {
			return describeError(fleet.ErrNoService)
		}
		return FormatView(v, time.Now())

	case "usage":
		return b.usage(ctx, args[0])

	case "addgb":
		if len(args) < 2 {
			return "usage: " + help
		}
		gb, err := strconv.ParseFloat(args[1], 64)
		if err != nil || gb == 0 {
			return "invalid amount: " + args[1]
		}
		kind, panelName := target(args, 2)
		logger.LogAdminAction(b.log, adminID, name, strings.Join(args, " "))
		res, err := b.core.Apply(ctx, fleet.ApplyRequest{Identifier: args[0], AddGB: gb, TargetKind: kind, TargetName: panelName})
		return resultOrError(name, res, err)

	case "adddays":
		if len(args) < 2 {
			return "usage: " + help
		}
		d, err := strconv.Atoi(args[1])
		if err != nil || d == 0 {
			return "invalid days: " + args[1]
		}
		kind, panelName := target(args, 2)
		logger.LogAdminAction(b.log, adminID, name, strings.Join(args, " "))
		res, err := b.core.Apply(ctx, fleet.ApplyRequest{Identifier: args[0], AddDays: d, TargetKind: kind, TargetName: panelName})
		return resultOrError(name, res, err)

	case "enable", "disable":
		logger.LogAdminAction(b.log, adminID, name, args[0])
		res, err := b.core.Toggle(ctx, args[0], name == "enable", fleet.Scope{})
		return resultOrError(name, res, err)

	case "reset":
		var kind panel.Kind
		if len(args) > 1 {
			k, err := panel.ParseKind(args[1])
			if err != nil {
				return err.Error()
			}
			kind = k
		}
		logger.LogAdminAction(b.log, adminID, name, strings.Join(args, " "))
		res, err := b.core.ResetTraffic(ctx, args[0], kind)
		return resultOrError(name, res, err)

	case "delete":
		logger.LogAdminAction(b.log, adminID, name, args[0])
		res, err := b.core.Delete(ctx, args[0])
		return resultOrError(name, res, err)

	case "snapshot":
		logger.LogAdminAction(b.log, adminID, name, "")
		err := b.jobs.RunNow(ctx, worker.JobSnapshot)
		switch {
		case errors.Is(err, worker.ErrLeaseHeld):
			return "a snapshot is already running"
		case err != nil:
			b.log.Error("manual snapshot failed", zap.Error(err))
			return "snapshot failed: " + err.Error()
		}
		return "snapshot captured, report sent to the operator chat"
	}
	return ""
}

func (b *Bot) usage(ctx context.Context, identifier string) string {
	v, err := b.core.GetOne(ctx, identifier, false)
	if err != nil {
		return describeError(err)
	}
	if v == nil {
		return describeError(fleet.ErrNoService)
	}
	now := time.Now()
	daily, err := b.engine.BulkDailyUsage(ctx, []uint{v.ServiceID}, now)
	if err != nil {
		b.log.Error("daily usage", zap.String("uuid", v.UUID), zap.Error(err))
		return "usage history unavailable"
	}
	monthly := 0.0
	for _, k := range panel.Kinds {
		gb, err := b.engine.PeriodUsage(ctx, v.ServiceID, k, snapshot.Monthly, now)
		if err != nil {
			b.log.Error("monthly usage", zap.String("uuid", v.UUID), zap.Error(err))
			return "usage history unavailable"
		}
		monthly += gb
	}
	return FormatUsage(v, daily[v.UUID], monthly)
}

func resultOrError(action string, res fleet.Result, err error) string {
	if err != nil {
		return describeError(err)
	}
	return FormatResult(action, res)
}

func describeError(err error) string {
	switch {
	case errors.Is(err, identity.ErrUnknown):
		return "unknown user"
	case errors.Is(err, fleet.ErrNoService):
		return "no service is registered for this user"
	case errors.Is(err, database.ErrConflict):
		return "conflict: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timed out, try again"
	}
	return fmt.Sprintf("error: %v", err)
}
