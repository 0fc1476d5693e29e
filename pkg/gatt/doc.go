// Package gatt models the attribute side of the opener: 16- and 128-bit identifiers, characteristic
// access properties, services, the process-wide characteristic registry, CCCD subscription values,
// and ATT status codes returned to peers.
//
// The package does not encode an attribute table. Stack backends (see the stack packages) translate
// a started [Service] into whatever their radio stack expects.
package gatt
