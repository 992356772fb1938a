// Package ident handles validation of the identifiers the engine exchanges
// with its collaborators: token/basket/venue addresses and adapter names,
// plus the adapter identifier hash recorded in staking positions.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// addressRegex matches a 20-byte hex address: 0x followed by 40 hex chars.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// adapterNameRegex matches registry names: lowercase alphanumeric segments
// separated by single dashes. Example: uniswap-v2, lido, aave-v3.
var adapterNameRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var (
	ErrInvalidAddress     = errors.New("ident: invalid address format")
	ErrInvalidAdapterName = errors.New("ident: invalid adapter name")
)

// ValidateAddress checks that s is a well-formed hex address.
func ValidateAddress(s string) error {
	if !addressRegex.MatchString(s) {
		return fmt.Errorf("%w: %q (expected 0x + 40 hex chars)", ErrInvalidAddress, s)
	}
	return nil
}

// ValidateAdapterName checks that s is a well-formed registry name.
func ValidateAdapterName(s string) error {
	if !adapterNameRegex.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidAdapterName, s)
	}
	return nil
}

// AdapterID returns the opaque identifier stored in staking positions for
// an adapter name: the hex-encoded sha256 of the name. Positions opened
// through an adapter are only ever closed through the same identifier.
func AdapterID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
