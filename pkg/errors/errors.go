// Package errors defines sentinel errors used across AiKv.
package errors

import "errors"

// Sentinel errors for key operations.
var (
	// ErrNotInteger indicates the value is not a valid integer.
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrBusyKey indicates RESTORE hit an existing key without REPLACE.
	ErrBusyKey = errors.New("BUSYKEY Target key name already exists.")

	// ErrNoSuchKey indicates RENAME was given a missing source key.
	ErrNoSuchKey = errors.New("no such key")
)

// Sentinel errors for cluster routing.
var (
	// ErrClusterDown indicates the slot has no live owner.
	ErrClusterDown = errors.New("CLUSTERDOWN Hash slot not served")

	// ErrMoved indicates the key belongs to a different node.
	ErrMoved = errors.New("MOVED")

	// ErrAsk indicates the key is mid-migration to a different node.
	ErrAsk = errors.New("ASK")

	// ErrCrossSlot indicates a multi-key command spanning slots.
	ErrCrossSlot = errors.New("CROSSSLOT Keys in request don't hash to the same slot")

	// ErrSlotOutOfRange indicates a slot number outside [0, 16384).
	ErrSlotOutOfRange = errors.New("slot out of range")

	// ErrUnknownNode indicates a node id that is not in the local registry.
	ErrUnknownNode = errors.New("unknown node")

	// ErrBadFrame indicates a malformed gossip frame. Logged and dropped.
	ErrBadFrame = errors.New("malformed gossip frame")
)
