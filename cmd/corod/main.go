//go:build linux

// Command corod runs small services on the coroutine scheduler: a TCP echo
// server and a timer demo.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "corod",
		Usage: "Run coroutine services on a single-threaded event loop",
		Description: `corod drives every connection or timer as a stackless coroutine on one
goroutine. The reactor backend is epoll or io_uring.

Examples:
  corod echo --listen 127.0.0.1:7000 --backend uring
  corod --metrics-addr :2112 timers --tasks 4 --interval 250ms`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"COROD_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text or json)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve Prometheus metrics on this address",
				EnvVars: []string{"COROD_METRICS_ADDR"},
			},
		},
		Commands: []*cli.Command{
			EchoCommand(),
			TimersCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
