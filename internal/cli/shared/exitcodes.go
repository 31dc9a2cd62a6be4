// Package shared holds small helpers the cobra command layer shares:
// exit-code constants and the ShortID display truncation for commands
// that print ids.
package shared

// Exit status codes for the kiln CLI: 0 full success, 1 any
// build/validation/I/O failure, 130 interrupted, 32 an internal
// invariant violation.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitInterrupted       = 130
	ExitInternalInvariant = 32
)
