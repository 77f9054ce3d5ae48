package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dalston-ai/dalston/internal/catalog"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/engine"
)

// catalog-gen walks a directory tree for engine.yaml files and aggregates
// them into the catalog document the orchestrator and gateway load at start.
func main() {
	root := flag.String("root", ".", "directory to scan for engine.yaml files")
	out := flag.String("out", "catalog.json", "output catalog path")
	flag.Parse()

	var entries []domain.CatalogEntry
	err := filepath.WalkDir(*root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "engine.yaml" {
			return nil
		}
		meta, err := engine.LoadMetadata(path)
		if err != nil {
			return err
		}
		entries = append(entries, meta.AsCatalogEntry())
		return nil
	})
	if err != nil {
		fmt.Printf("scan %s: %v\n", *root, err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Printf("no engine.yaml files found under %s\n", *root)
		os.Exit(1)
	}

	// Run the same validation the loaders apply, so a bad catalog fails the
	// build instead of the deploy.
	if _, err := catalog.FromEntries(nil, entries); err != nil {
		fmt.Printf("validate catalog: %v\n", err)
		os.Exit(1)
	}

	file := catalog.File{
		SchemaVersion: 1,
		GeneratedAt:   time.Now().UTC(),
		Engines:       entries,
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		fmt.Printf("encode catalog: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, append(raw, '\n'), 0o644); err != nil {
		fmt.Printf("write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d engines)\n", *out, len(entries))
}
