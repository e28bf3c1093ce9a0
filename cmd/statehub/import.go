package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/go-statehub/internal/persist"
)

func runImportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	in := fs.String("in", "", "bundle file to import (required)")
	overwrite := fs.Bool("overwrite", false, "replace keys that already exist")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(os.Stderr, "usage: statehub import -in <file> [-overwrite]")
		return 2
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *in, err)
		return 1
	}
	var bundle persist.ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		fmt.Fprintf(os.Stderr, "parse bundle: %v\n", err)
		return 1
	}

	manager, store, err := offlineManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	result, err := manager.Import(ctx, &bundle, persist.ImportOptions{
		Overwrite: *overwrite,
		Validate:  true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}
	fmt.Printf("imported %d keys, skipped %d\n", result.Imported, result.Skipped)
	return 0
}
