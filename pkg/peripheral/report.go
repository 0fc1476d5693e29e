package peripheral

import (
	"fmt"
	"time"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

type ReportKind int

const (
	ReportLookupFailed ReportKind = iota + 1
	ReportNotifyFailed
	ReportPairingFailed
	ReportAdvertiseFailed
	ReportWriteRejected
	ReportSubscriptionRejected
)

func (k ReportKind) String() string {
	switch k {
	case ReportLookupFailed:
		return "lookup-failed"
	case ReportNotifyFailed:
		return "notify-failed"
	case ReportPairingFailed:
		return "pairing-failed"
	case ReportAdvertiseFailed:
		return "advertise-failed"
	case ReportWriteRejected:
		return "write-rejected"
	case ReportSubscriptionRejected:
		return "subscription-rejected"
	}
	return fmt.Sprintf("ReportKind(%d)", int(k))
}

// Report describes a failure the server recovered from. Session is empty for failures not tied
// to a connection.
type Report struct {
	Kind           ReportKind
	Session        string
	Handle         uint16
	Characteristic gatt.UUID
	Err            error
	Time           time.Time
}

func (r Report) String() string {
	if r.Session == "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Err)
	}
	return fmt.Sprintf("[%s] %s on %s: %s", r.Session, r.Kind, r.Characteristic, r.Err)
}

// Reporter receives failure reports. Report is called on the server loop and must not block.
type Reporter interface {
	Report(r Report)
}

type ReporterFunc func(r Report)

func (f ReporterFunc) Report(r Report) {
	f(r)
}
