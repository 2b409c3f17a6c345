package main

// ============================================================================
// promptbatch entry point
// ============================================================================
//
// All command logic lives in internal/cli. main only recovers from panics and
// maps command errors to a non-zero exit code.
//
// Build:
//   go build -o bin/promptbatch ./cmd/promptbatch
//
// Run:
//   ./bin/promptbatch generate -f prompts.txt --window 20
//   ./bin/promptbatch bundle -o out/generated_images.zip
//   ./bin/promptbatch serve --http :3000
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/prompt-batch/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
