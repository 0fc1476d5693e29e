// Utility for generating and enrolling rolling code secrets and pairing passkeys

package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/cli"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Creates, exports or deletes the rolling code secret, sets the pairing passkey, and issues
enrollment tokens for phones.

  create         Generate a secret. An existing secret is kept unless invoked with -f.
  delete         Remove the secret and passkey.
  export         Write the secret to stdout, hex-encoded.
  passkey [N]    Store passkey N, or a random passkey if N is omitted, and print it.
  enroll         Print a token carrying the secret, signed with the passkey.

The type of keyring and name of the secret inside that keyring are controlled by the command-line
options below, or through the corresponding environment variables.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] create|delete|export|passkey|enroll\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

func randomPasskey() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		// Rejection sampling keeps the distribution uniform.
		v := binary.BigEndian.Uint32(buf[:]) & 0xFFFFF
		if v >= 1 && v <= peripheral.MaxPasskey {
			return v, nil
		}
	}
}

func main() {
	var (
		overwrite bool
		ttl       time.Duration
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagSecret | cli.FlagServer)
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.BoolVar(&overwrite, "f", false, "Overwrite existing secret if it exists")
	flag.DurationVar(&ttl, "ttl", 10*time.Minute, "Lifetime of enrollment tokens")
	flag.Parse()
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.ReadFromEnvironment()

	if flag.NArg() < 1 {
		usage(os.Stderr)
		return
	}

	switch flag.Arg(0) {
	case "create":
		if !overwrite {
			if _, err := config.Secret(); err == nil {
				writeErr("A secret already exists. Run with -f to replace it; enrolled phones will stop verifying codes.")
				status = 0
				return
			}
		}
		secret, err := rolling.NewSecret()
		if err != nil {
			writeErr("Failed to generate secret: %s", err)
			return
		}
		if err := config.SaveSecret(secret); err != nil {
			writeErr("Failed to save secret: %s", err)
			return
		}
		fmt.Println("Created rolling code secret")
	case "delete":
		if err := config.DeleteSecret(); err != nil {
			writeErr("Failed to delete secret: %s", err)
			return
		}
	case "export":
		secret, err := config.Secret()
		if err != nil {
			writeErr("Failed to export secret: %s", err)
			return
		}
		fmt.Println(hex.EncodeToString(secret))
	case "passkey":
		var passkey uint32
		if flag.NArg() > 1 {
			passkey, err = cli.ParsePasskey(flag.Arg(1))
		} else {
			passkey, err = randomPasskey()
		}
		if err == nil {
			err = config.SavePasskey(passkey)
		}
		if err != nil {
			writeErr("Failed to set passkey: %s", err)
			return
		}
		fmt.Println(cli.FormatPasskey(passkey))
	case "enroll":
		token, err := enroll(config, ttl)
		if err != nil {
			writeErr("Failed to issue enrollment token: %s", err)
			return
		}
		fmt.Println(token)
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}
	status = 0
}

func enroll(config *cli.Config, ttl time.Duration) (string, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return "", err
	}
	secret, err := config.Secret()
	if err != nil {
		return "", err
	}
	passkey, err := config.Passkey()
	if err != nil {
		return "", err
	}
	e := rolling.Enrollment{
		Device:  settings.Server.DeviceName,
		Service: settings.Server.Identifiers.Service.String(),
		Secret:  secret,
		Digits:  settings.Server.Rolling.Digits,
	}
	return rolling.IssueEnrollment(e, passkey, ttl)
}
