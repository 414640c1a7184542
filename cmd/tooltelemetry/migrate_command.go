package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/ongoingai/tooltelemetry/migrations"
)

func runMigrate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "migrate does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to migrate %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer closeStoreWithWarning(store, errOut)

	applied, err := migrations.Applied(context.Background(), store.DB(), cfg.Storage.Driver)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list applied migrations: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "%s schema is up to date (%d migrations applied)\n", cfg.Storage.Driver, len(applied))
	for _, name := range applied {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return 0
}
