package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/dcicd/dcicd"
	"tangled.sh/dcicd/dcicd/runner"
	"tangled.sh/dcicd/log"
)

func main() {
	cmd := &cli.Command{
		Name:    "dcicd",
		Usage:   "single-tenant ci/cd backend",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			dcicd.Command(),
			runner.Command(),
		},
	}

	ctx := context.Background()
	logger := log.New("dcicd")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
