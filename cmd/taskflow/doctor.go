package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/taskflow/internal/config"
	"github.com/basket/taskflow/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going; the checks explain what is wrong with the setup.
		fmt.Fprintf(stderr, "config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "encode report: %v\n", err)
			return exitFailed
		}
		if diag.Failed() {
			return exitFailed
		}
		return exitOK
	}

	fmt.Fprintf(stdout, "taskflow doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "[%-4s] %-15s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "       %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return exitFailed
	}
	return exitOK
}
