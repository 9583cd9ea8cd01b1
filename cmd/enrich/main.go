package main

import (
	"context"
	"log/slog"

	"socialgraph-backend/cmd/enrich/commands"
	"socialgraph-backend/lib/serviceutil"
	"socialgraph-backend/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	telemetry.InitSlog(false)
	tel, err := telemetry.SetupFromEnv(ctx, "enrich")
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without exporters", "err", err)
	}
	defer tel.Shutdown(context.Background())

	commands.ExecuteContext(ctx)
}
