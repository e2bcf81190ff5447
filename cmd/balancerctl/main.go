package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/chunkbalancer/lib/logger"
)

var log, _ = logger.New("balancerctl")

func main() {
	app := &cli.App{
		Name:  "balancerctl",
		Usage: "Inspect chunks and issue balance commands to a config server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Value:   "localhost:1234",
				Usage:   "Config server rpc address",
				EnvVars: []string{"BALANCERCTL_RPC_URL"},
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Print the balance command as extended JSON instead of sending it",
			},
		},
		Commands: []*cli.Command{
			chunksCmd,
			putCmd,
			moveCmd,
			rebalanceCmd,
			offloadCmd,
			assignCmd,
			splitCmd,
			renameCmd,
			roundCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("balancerctl", "ERROR", err)
	}
}
