//go:build !linux

package tinygo

import "github.com/teslamotors/vehicle-opener/pkg/peripheral"

// New is only implemented on Linux.
func New(Options) (peripheral.Stack, error) {
	return nil, ErrUnsupported
}
