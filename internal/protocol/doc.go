// Package protocol owns the RemBraille wire contract.
//
// Ownership boundary:
// - message type enumeration and port/version constants
// - key event and cell count payload primitives
// - frame sub-package for header framing
package protocol
