package main

import (
	"fmt"
	"os"

	"github.com/dalston-ai/dalston/internal/app"
)

func main() {
	gw, err := app.NewGateway()
	if err != nil {
		fmt.Printf("init gateway: %v\n", err)
		os.Exit(1)
	}
	defer gw.Close()

	if err := gw.Run(); err != nil {
		gw.Log.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}
