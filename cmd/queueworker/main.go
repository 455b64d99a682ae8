package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// Values from a local .env file never override the real environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load .env file:", err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:  "queueworker",
		Usage: "Consume and publish messages on durable broker queues with an in-process fallback",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Consume the queues listed in the queues file until interrupted",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "send",
				Usage:  "Send a JSON document to a durable queue",
				Flags:  sendFlags(),
				Action: send,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
