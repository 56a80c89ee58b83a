package protocol

import (
	"github.com/tidwall/redcon"
)

// ConnState is the per-connection cluster state. Asking is the one-shot flag
// set by the ASKING command; it licenses exactly one command against an
// importing slot and is cleared by every command that is not ASKING itself.
type ConnState struct {
	Asking bool
}

// stateOf returns the connection's state, attaching a fresh one on first
// use.
func stateOf(conn redcon.Conn) *ConnState {
	if st, ok := conn.Context().(*ConnState); ok {
		return st
	}
	st := &ConnState{}
	conn.SetContext(st)
	return st
}
