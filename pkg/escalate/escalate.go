// Package escalate hands unrecoverable conditions to something outside the server loop: the log,
// a process supervisor (by exiting) or an operator webhook.
package escalate

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/teslamotors/vehicle-opener/internal/log"
)

// Incident describes a condition the server could not recover from on its own.
type Incident struct {
	Kind     string    `json:"kind"`
	Device   string    `json:"device"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
	Time     time.Time `json:"time"`
}

// Escalator is implemented by incident sinks. Escalate may block.
type Escalator interface {
	Escalate(ctx context.Context, incident Incident) error
}

// Log writes incidents to the error log.
type Log struct{}

func (Log) Escalate(_ context.Context, incident Incident) error {
	log.Error("%s failed on %s after %d attempts: %s", incident.Kind, incident.Device, incident.Attempts, incident.Message)
	return nil
}

// Watchdog exits the process so a supervisor (systemd, a hardware watchdog) restarts it.
type Watchdog struct {
	Code int
	// Exit defaults to os.Exit.
	Exit func(code int)
}

func NewWatchdog(code int) *Watchdog {
	return &Watchdog{Code: code, Exit: os.Exit}
}

func (w *Watchdog) Escalate(_ context.Context, incident Incident) error {
	log.Error("Watchdog: exiting with status %d after %s failure", w.Code, incident.Kind)
	exit := w.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(w.Code)
	return nil
}

// Multi forwards an incident to every escalator in order. A failing escalator does not prevent
// later ones from running.
type Multi []Escalator

func (m Multi) Escalate(ctx context.Context, incident Incident) error {
	var errs []error
	for _, e := range m {
		if err := e.Escalate(ctx, incident); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
