package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/basket/taskflow/internal/planner"
)

func runValidateCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: taskflow validate <plan.yaml>")
		return exitUsage
	}
	path := fs.Arg(0)

	doc, err := planner.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "invalid plan %s: %v\n", path, err)
		return exitFailed
	}
	g, err := doc.Build()
	if err != nil {
		fmt.Fprintf(stderr, "invalid plan %s: %v\n", path, err)
		return exitFailed
	}

	fmt.Fprintf(stdout, "plan ok: %d tasks", g.Len())
	if doc.Objective != "" {
		fmt.Fprintf(stdout, " (%s)", doc.Objective)
	}
	fmt.Fprintln(stdout)
	for _, task := range doc.Tasks {
		line := fmt.Sprintf("  [%d] %s", task.ID, task.Description)
		if len(task.DependsOn) > 0 {
			deps := make([]string, len(task.DependsOn))
			for j, d := range task.DependsOn {
				deps[j] = fmt.Sprint(d)
			}
			line += " (after " + strings.Join(deps, ", ") + ")"
		}
		if a := task.Action; a != nil && len(a.LockResources()) > 0 {
			line += fmt.Sprintf(" locks=%v", a.LockResources())
		}
		fmt.Fprintln(stdout, line)
	}
	return exitOK
}
