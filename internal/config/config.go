// Package config holds the local node's static configuration. There is
// no negotiation or remote config: spec.md section 3 fixes the schema
// table at compile time, and spec.md section 6 says "persisted state:
// none in the core; all state is in-memory."
package config

import (
	"time"

	"github.com/pkg/errors"
)

// Runtime is the configuration an embedding application supplies when
// constructing the Packager. Process-wide bootstrap (reading this from a
// file, flags, or environment) is an out-of-scope collaborator per
// spec.md section 1; this struct is the contract such a collaborator
// must fill in.
type Runtime struct {
	// UniqueDeviceID seeds node_id = sha256(sha256(UniqueDeviceID)).
	UniqueDeviceID []byte

	// ProtocolVersion is compared against the wire header's version
	// byte; packets with a higher version are dropped silently.
	ProtocolVersion uint8

	// TickInterval is how often the scheduler's process() loop runs.
	TickInterval time.Duration

	// UseModemSleep enables the low-power sleep cycle in the work loop.
	UseModemSleep bool
	// ModemSleepDuration and ModemWakeDuration mirror MODEM_SLEEP_MS /
	// MODEM_WAKE_MS from the original implementation.
	ModemSleepDuration time.Duration
	ModemWakeDuration  time.Duration
}

// DefaultProtocolVersion matches PROTOCOL_VERSION in the original source.
const DefaultProtocolVersion uint8 = 0

// Validate checks the minimal invariants the runtime depends on.
func (r Runtime) Validate() error {
	if len(r.UniqueDeviceID) == 0 {
		return errors.New("config: UniqueDeviceID must be non-empty")
	}
	if r.TickInterval <= 0 {
		return errors.New("config: TickInterval must be positive")
	}
	if r.UseModemSleep {
		if r.ModemSleepDuration <= 0 || r.ModemWakeDuration <= 0 {
			return errors.New("config: modem sleep enabled but durations unset")
		}
	}
	return nil
}

// Default returns sane defaults matching the original implementation's
// MODEM_SLEEP_MS=90, MODEM_WAKE_MS=40 constants, for a given device seed.
func Default(uniqueDeviceID []byte) Runtime {
	return Runtime{
		UniqueDeviceID:     uniqueDeviceID,
		ProtocolVersion:    DefaultProtocolVersion,
		TickInterval:       20 * time.Millisecond,
		UseModemSleep:      false,
		ModemSleepDuration: 90 * time.Millisecond,
		ModemWakeDuration:  40 * time.Millisecond,
	}
}
