package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dalston-ai/dalston/internal/app"
	"github.com/dalston-ai/dalston/internal/platform/shutdown"
)

func main() {
	orchestrator, err := app.NewOrchestrator()
	if err != nil {
		fmt.Printf("init orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer orchestrator.Close()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	if err := orchestrator.Run(ctx); err != nil {
		orchestrator.Log.Error("orchestrator stopped", "error", err)
		os.Exit(1)
	}
}
