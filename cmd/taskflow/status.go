package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/taskflow/internal/config"
)

// runStatusCommand probes the observer gateway of a run started with -serve.
func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		fmt.Fprintln(stderr, "usage: taskflow status [host:port]")
		return exitUsage
	}

	addr := ""
	if len(args) == 1 {
		addr = args[0]
	} else {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config: %v\n", err)
			return exitUsage
		}
		addr = cfg.Gateway.BindAddr
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(addr), nil)
	if err != nil {
		fmt.Fprintf(stderr, "request: %v\n", err)
		return exitUsage
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return exitFailed
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = stdout.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		fmt.Fprintln(stdout)
	}
	if resp.StatusCode != http.StatusOK {
		return exitFailed
	}
	return exitOK
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}
