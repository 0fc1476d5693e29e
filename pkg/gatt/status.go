package gatt

import (
	"errors"
	"fmt"
)

// Status is an ATT error code returned to a peer in response to a read or write.
type Status uint8

const (
	StatusSuccess                  Status = 0x00
	StatusInvalidHandle            Status = 0x01
	StatusReadNotPermitted         Status = 0x02
	StatusWriteNotPermitted        Status = 0x03
	StatusInvalidPDU               Status = 0x04
	StatusInsufficientAuth         Status = 0x05
	StatusRequestNotSupported      Status = 0x06
	StatusAttributeNotFound        Status = 0x0A
	StatusInvalidValueLength       Status = 0x0D
	StatusUnlikely                 Status = 0x0E
	StatusInsufficientEncryption   Status = 0x0F
	StatusChallengeRejected        Status = 0x80 // Application error: replayed or stale challenge.
	StatusRateLimited              Status = 0x81 // Application error: too many authorization writes.
	StatusCCCDImproperlyConfigured Status = 0xFD
	StatusProcedureInProgress      Status = 0xFE
	StatusOutOfRange               Status = 0xFF
)

var statusNames = map[Status]string{
	StatusSuccess:                  "success",
	StatusInvalidHandle:            "invalid handle",
	StatusReadNotPermitted:         "read not permitted",
	StatusWriteNotPermitted:        "write not permitted",
	StatusInvalidPDU:               "invalid PDU",
	StatusInsufficientAuth:         "insufficient authentication",
	StatusRequestNotSupported:      "request not supported",
	StatusAttributeNotFound:        "attribute not found",
	StatusInvalidValueLength:       "invalid attribute value length",
	StatusUnlikely:                 "unlikely error",
	StatusInsufficientEncryption:   "insufficient encryption",
	StatusChallengeRejected:        "challenge rejected",
	StatusRateLimited:              "rate limited",
	StatusCCCDImproperlyConfigured: "CCCD improperly configured",
	StatusProcedureInProgress:      "procedure already in progress",
	StatusOutOfRange:               "out of range",
}

func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("att: %s (0x%02x)", name, uint8(s))
	}
	return fmt.Sprintf("att: error 0x%02x", uint8(s))
}

// StatusCarrier is implemented by errors that know which ATT status to send to a peer.
type StatusCarrier interface {
	ATTStatus() Status
}

// StatusOf maps err onto the ATT status returned to a peer. A nil error is StatusSuccess, and
// errors that carry no status map to StatusUnlikely.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var carrier StatusCarrier
	if errors.As(err, &carrier) {
		return carrier.ATTStatus()
	}
	var status Status
	if errors.As(err, &status) {
		return status
	}
	return StatusUnlikely
}
