package protocol

import (
	"errors"

	"github.com/tidwall/redcon"

	"github.com/Genuineh/AiKv/internal/cluster/router"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

// Canonical RESP error strings. Sentinel errors from pkg/errors already
// carry their wire prefix (CLUSTERDOWN, CROSSSLOT, BUSYKEY); anything else
// gets the generic ERR prefix.
const (
	respWrongArgs   = "ERR wrong number of arguments for '%s' command"
	respSyntaxError = "ERR syntax error"
	respUnknownCmd  = "ERR unknown command '%s'"
)

// prefixedErrors are written to the wire verbatim: their text already starts
// with the Redis error code clients match on.
var prefixedErrors = map[error]bool{
	pkgerrors.ErrClusterDown: true,
	pkgerrors.ErrCrossSlot:   true,
	pkgerrors.ErrBusyKey:     true,
	pkgerrors.ErrMoved:       true,
	pkgerrors.ErrAsk:         true,
}

func isRedirect(err error) bool {
	var redir *router.RedirectError
	return errors.As(err, &redir)
}

// writeErr formats err onto the connection. Redirect errors and the
// prefixed sentinels go out verbatim; everything else is wrapped as ERR.
func writeErr(conn redcon.Conn, err error) {
	msg := err.Error()
	if prefixedErrors[err] || isRedirect(err) {
		conn.WriteError(msg)
		return
	}
	conn.WriteError("ERR " + msg)
}
