package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainkit/chainsync/cmd/chainsync/commands"
	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/libs/cli"
	"github.com/chainkit/chainsync/libs/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf, err := commands.ParseConfig(config.DefaultConfig())
	if err != nil {
		panic(err)
	}

	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeVersionCommand(),
		commands.NewRunNodeCmd(conf, logger),
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(2)
	}
}
