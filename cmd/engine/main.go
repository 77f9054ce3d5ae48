package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dalston-ai/dalston/internal/app"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/engine"
	"github.com/dalston-ai/dalston/internal/engines/gcpspeech"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/platform/shutdown"
)

func main() {
	metadataPath := flag.String("metadata", defaultMetadataPath(), "path to the engine.yaml baked into this image")
	flag.Parse()

	worker, err := app.NewEngine(*metadataPath, newProcessor)
	if err != nil {
		fmt.Printf("init engine: %v\n", err)
		os.Exit(1)
	}
	defer worker.Close()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	if err := worker.Run(ctx); err != nil {
		worker.Log.Error("engine stopped", "error", err)
		os.Exit(1)
	}
}

func newProcessor(log *logger.Logger, meta *engine.Metadata) (engine.Processor, error) {
	switch meta.Stage {
	case domain.StageTranscribe:
		return gcpspeech.New(log)
	default:
		return nil, fmt.Errorf("no processor built in for stage %q", meta.Stage)
	}
}

func defaultMetadataPath() string {
	if p := os.Getenv("ENGINE_METADATA"); p != "" {
		return p
	}
	return "engine.yaml"
}
