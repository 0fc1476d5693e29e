// Runs the opener against a simulated BLE stack with an interactive console, so pairing and the
// challenge exchange can be exercised without a radio.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/cli"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
	"github.com/teslamotors/vehicle-opener/pkg/stack/sim"
)

const defaultPasskey = 123456

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	var (
		debug      bool
		usePasskey uint
		useSecret  bool
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagServer | cli.FlagSecret)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.RegisterCommandLineFlags()
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.UintVar(&usePasskey, "passkey", defaultPasskey, "Pairing `passkey` for simulated centrals")
	flag.BoolVar(&useSecret, "use-secret", false, "Use the enrolled secret instead of a random one")
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
	config.SetPasskey(uint32(usePasskey))
	cfg, err := config.ServerConfig(settings)
	if err != nil {
		writeErr("%s", err)
		return
	}

	var secret []byte
	if useSecret {
		secret, err = config.Secret()
	} else {
		secret, err = rolling.NewSecret()
	}
	if err != nil {
		writeErr("Failed to load secret: %s", err)
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "opener> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		writeErr("Failed to start console: %s", err)
		return
	}
	defer rl.Close()
	log.SetOutput(rl.Stderr())
	defer log.SetOutput(nil)

	if err := run(rl, cfg, secret); err != nil {
		writeErr("Error: %s", err)
		return
	}
	status = 0
}

func run(rl *readline.Instance, cfg peripheral.Config, secret []byte) error {
	generator, err := rolling.NewGenerator(secret, cfg.Rolling.Digits)
	if err != nil {
		return err
	}
	stack := sim.New()
	server, err := peripheral.NewServer(cfg, stack, generator)
	if err != nil {
		return err
	}
	out := rl.Stdout()
	server.SetReporter(peripheral.ReporterFunc(func(r peripheral.Report) {
		fmt.Fprintf(out, "* %s\n", r)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- server.Run(ctx)
	}()

	console := sim.NewConsole(stack, server, cfg, secret, out)
	fmt.Fprintf(out, "Simulating %s with passkey %s. Type 'help' for commands.\n", cfg.DeviceName, cli.FormatPasskey(cfg.Passkey))
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		} else if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			cancel()
			<-runErr
			return err
		}
		if err := console.Exec(strings.TrimSpace(line)); err != nil {
			if errors.Is(err, sim.ErrQuit) {
				break
			}
			fmt.Fprintf(out, "Error: %s\n", err)
		}
	}
	cancel()
	return <-runErr
}
