// Runs the opener: advertises the service, pairs centrals, and answers Authorization challenges
// with rolling codes until interrupted.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/teslamotors/vehicle-opener/internal/checkpoint"
	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/cli"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

const shutdownTimeout = 5 * time.Second

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Runs a BLE opener peripheral. Settings are read from a YAML file; the rolling code secret and the
pairing passkey are read from the system keyring (see opener-keygen) or from the environment.

The process exits cleanly on SIGINT or SIGTERM, saving rolling code state if a state cache is
configured.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

func main() {
	var debug bool
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.Parse()
	config.ReadFromEnvironment()

	settings, err := config.LoadSettings()
	if err != nil {
		writeErr("%s", err)
		return
	}
	if err := settings.ApplyLogLevel(); err != nil {
		writeErr("%s", err)
		return
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}

	if err := run(config, settings); err != nil {
		if help := cli.AdapterHelp(err); help != "" {
			writeErr("%s", help)
		} else {
			writeErr("Error: %s", err)
		}
		return
	}
	status = 0
}

func run(config *cli.Config, settings cli.Settings) error {
	cfg, err := config.ServerConfig(settings)
	if err != nil {
		if errors.Is(err, peripheral.ErrNoPasskey) || errors.Is(err, cli.ErrKeyNotFound) {
			return fmt.Errorf("no passkey configured (run opener-keygen passkey or set $%s): %w", cli.EnvOpenerPasskey, err)
		}
		return err
	}
	secret, err := config.Secret()
	if err != nil {
		return fmt.Errorf("failed to load rolling code secret (run opener-keygen create): %w", err)
	}
	generator, err := rolling.NewGenerator(secret, cfg.Rolling.Digits)
	if err != nil {
		return err
	}

	stack, err := cli.NewStack(settings)
	if err != nil {
		return err
	}
	server, err := peripheral.NewServer(cfg, stack, generator)
	if err != nil {
		return err
	}
	server.SetEscalator(cli.Escalator(settings, nil))

	states, enabled, err := cli.LoadCache(settings)
	if err != nil {
		return err
	}
	var checkpointer *checkpoint.Checkpointer
	if enabled {
		if entry, ok := checkpoint.Restore(settings.Checkpoint, states, cfg.DeviceName); ok {
			log.Info("Restored rolling code state from %s (counter %d)", settings.Checkpoint.File, entry.Rolling.Counter)
			checkpoint.Apply(entry, generator, server)
		}
		checkpointer, err = checkpoint.New(settings.Checkpoint, cfg.DeviceName, server, states)
		if err != nil {
			return err
		}
	}

	interrupted, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- server.Run(ctx)
	}()
	if checkpointer != nil {
		checkpointer.Start()
	}

	select {
	case err = <-runErr:
		// The server stopped on its own; there is nothing left to snapshot.
		if checkpointer != nil {
			stopCheckpoints(checkpointer)
		}
		return err
	case <-interrupted.Done():
		log.Info("Shutting down")
	}

	if checkpointer != nil {
		stopCheckpoints(checkpointer)
		if err := checkpointer.Save(); err != nil {
			log.Error("Failed to save final checkpoint: %s", err)
		}
	}
	cancel()
	return <-runErr
}

func stopCheckpoints(checkpointer *checkpoint.Checkpointer) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := checkpointer.Stop(ctx); err != nil {
		log.Warning("Checkpoint still running at shutdown: %s", err)
	}
}
