// Package id generates the TypeID identifiers used for every gateway entity.
// IDs are K-sortable (UUIDv7-based) strings of the form "prefix_suffix".
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

type Prefix string

const (
	PrefixMapping   Prefix = "map"
	PrefixCall      Prefix = "call"
	PrefixMeter     Prefix = "mtr"
	PrefixReceipt   Prefix = "rcpt"
	PrefixInvoice   Prefix = "inv"
	PrefixHold      Prefix = "hold"
	PrefixCallerKey Prefix = "ckey"
)

// New generates an ID with the given prefix. It panics on an invalid
// prefix, which is a programming error.
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// Valid reports whether s parses as a TypeID carrying the expected prefix.
func Valid(s string, expected Prefix) bool {
	tid, err := typeid.Parse(s)
	if err != nil {
		return false
	}
	return tid.Prefix() == string(expected)
}
