// Package protocol is the RESP front end: it parses nothing itself (redcon
// does), routes every key-touching command through the cluster router, and
// runs the command handlers against the storage engine.
package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"

	"github.com/Genuineh/AiKv/internal/cluster"
	"github.com/Genuineh/AiKv/internal/cluster/migrate"
	"github.com/Genuineh/AiKv/internal/cluster/router"
	"github.com/Genuineh/AiKv/internal/engine"
	"github.com/Genuineh/AiKv/internal/metrics"
	"github.com/Genuineh/AiKv/internal/protocol/commands"
	"github.com/Genuineh/AiKv/pkg/bytes"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

const clusterDisabledMsg = "ERR This instance has cluster support disabled"

// Handler executes commands. cluster, router and migrator are nil when the
// node runs standalone; every data command then skips routing.
type Handler struct {
	store    engine.Engine
	cluster  *cluster.Cluster
	router   *router.Router
	migrator *migrate.Worker
	started  time.Time
}

// NewHandler wires the command handlers.
func NewHandler(store engine.Engine, c *cluster.Cluster, r *router.Router, m *migrate.Worker) *Handler {
	return &Handler{
		store:    store,
		cluster:  c,
		router:   r,
		migrator: m,
		started:  time.Now(),
	}
}

// Handle is the redcon entry point for one parsed command.
func (h *Handler) Handle(conn redcon.Conn, cmd redcon.Command) {
	name := strings.ToUpper(bytes.BytesToString(cmd.Args[0]))

	spec, ok := commandTable[name]
	if !ok {
		conn.WriteError(fmt.Sprintf(respUnknownCmd, name))
		metrics.CommandsTotal.WithLabelValues(name, "unknown").Inc()
		return
	}
	if !arityOK(spec.arity, len(cmd.Args)) {
		conn.WriteError(fmt.Sprintf(respWrongArgs, strings.ToLower(name)))
		metrics.CommandsTotal.WithLabelValues(name, "error").Inc()
		return
	}

	st := stateOf(conn)
	asking := st.Asking
	if name != "ASKING" {
		st.Asking = false
	}

	if spec.routed && h.router != nil {
		if keys := commandKeys(name, cmd.Args); len(keys) > 0 {
			if err := h.router.RouteMulti(keys, asking); err != nil {
				writeErr(conn, err)
				metrics.CommandsTotal.WithLabelValues(name, "redirect").Inc()
				return
			}
		}
	}

	start := time.Now()
	spec.fn(h, conn, cmd.Args)
	metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.CommandsTotal.WithLabelValues(name, "ok").Inc()
}

func arityOK(arity, argc int) bool {
	if arity < 0 {
		return argc == -arity
	}
	return argc >= arity
}

// --- connection ---

func (h *Handler) cmdPing(conn redcon.Conn, args [][]byte) {
	if len(args) > 1 {
		conn.WriteBulk(args[1])
		return
	}
	conn.WriteString("PONG")
}

func (h *Handler) cmdEcho(conn redcon.Conn, args [][]byte) {
	conn.WriteBulk(args[1])
}

func (h *Handler) cmdQuit(conn redcon.Conn, args [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdSelect(conn redcon.Conn, args [][]byte) {
	// Single keyspace; index 0 is the only valid database.
	if bytes.BytesToString(args[1]) != "0" {
		conn.WriteError("ERR DB index is out of range")
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdCommand(conn redcon.Conn, args [][]byte) {
	conn.WriteArray(0)
}

func (h *Handler) cmdInfo(conn redcon.Conn, args [][]byte) {
	var b strings.Builder
	b.WriteString("# Server\r\n")
	fmt.Fprintf(&b, "uptime_in_seconds:%d\r\n", int(time.Since(h.started).Seconds()))
	b.WriteString("# Keyspace\r\n")
	fmt.Fprintf(&b, "keys:%d\r\n", h.store.Len())
	b.WriteString("# Cluster\r\n")
	enabled := 0
	if h.cluster != nil {
		enabled = 1
	}
	fmt.Fprintf(&b, "cluster_enabled:%d\r\n", enabled)
	conn.WriteBulkString(b.String())
}

// --- strings ---

func (h *Handler) cmdSet(conn redcon.Conn, args [][]byte) {
	key := string(args[1])
	value := append([]byte(nil), args[2]...)

	var ttl time.Duration
	nx, xx := false, false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(bytes.BytesToString(args[i])) {
		case "EX", "PX":
			if i+1 >= len(args) {
				conn.WriteError(respSyntaxError)
				return
			}
			n, err := strconv.ParseInt(bytes.BytesToString(args[i+1]), 10, 64)
			if err != nil || n <= 0 {
				conn.WriteError("ERR invalid expire time in 'set' command")
				return
			}
			if strings.ToUpper(bytes.BytesToString(args[i])) == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		case "NX":
			nx = true
		case "XX":
			xx = true
		default:
			conn.WriteError(respSyntaxError)
			return
		}
	}
	if nx && xx {
		conn.WriteError(respSyntaxError)
		return
	}

	exists := h.store.Exists(key)
	if (nx && exists) || (xx && !exists) {
		conn.WriteNull()
		return
	}
	if err := h.store.Set(key, value, ttl); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdGet(conn redcon.Conn, args [][]byte) {
	value, ok := h.store.Get(bytes.BytesToString(args[1]))
	if !ok {
		conn.WriteNull()
		return
	}
	conn.WriteBulk(value)
}

func (h *Handler) cmdSetNX(conn redcon.Conn, args [][]byte) {
	key := string(args[1])
	if h.store.Exists(key) {
		conn.WriteInt(0)
		return
	}
	if err := h.store.Set(key, append([]byte(nil), args[2]...), 0); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteInt(1)
}

func (h *Handler) cmdSetEX(conn redcon.Conn, args [][]byte) {
	h.setWithTTL(conn, args, time.Second)
}

func (h *Handler) cmdPSetEX(conn redcon.Conn, args [][]byte) {
	h.setWithTTL(conn, args, time.Millisecond)
}

func (h *Handler) setWithTTL(conn redcon.Conn, args [][]byte, unit time.Duration) {
	n, err := strconv.ParseInt(bytes.BytesToString(args[2]), 10, 64)
	if err != nil || n <= 0 {
		conn.WriteError("ERR invalid expire time")
		return
	}
	if err := h.store.Set(string(args[1]), append([]byte(nil), args[3]...), time.Duration(n)*unit); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdGetSet(conn redcon.Conn, args [][]byte) {
	key := string(args[1])
	old, had := h.store.Get(key)
	if err := h.store.Set(key, append([]byte(nil), args[2]...), 0); err != nil {
		writeErr(conn, err)
		return
	}
	if !had {
		conn.WriteNull()
		return
	}
	conn.WriteBulk(old)
}

func (h *Handler) cmdAppend(conn redcon.Conn, args [][]byte) {
	key := string(args[1])
	old, _ := h.store.Get(key)
	value := append(append([]byte(nil), old...), args[2]...)
	if err := h.store.Set(key, value, 0); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteInt(len(value))
}

func (h *Handler) cmdStrLen(conn redcon.Conn, args [][]byte) {
	value, _ := h.store.Get(bytes.BytesToString(args[1]))
	conn.WriteInt(len(value))
}

func (h *Handler) cmdMSet(conn redcon.Conn, args [][]byte) {
	if len(args)%2 != 1 {
		conn.WriteError(fmt.Sprintf(respWrongArgs, "mset"))
		return
	}
	for i := 1; i+1 < len(args); i += 2 {
		if err := h.store.Set(string(args[i]), append([]byte(nil), args[i+1]...), 0); err != nil {
			writeErr(conn, err)
			return
		}
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdMGet(conn redcon.Conn, args [][]byte) {
	conn.WriteArray(len(args) - 1)
	for _, arg := range args[1:] {
		if value, ok := h.store.Get(bytes.BytesToString(arg)); ok {
			conn.WriteBulk(value)
		} else {
			conn.WriteNull()
		}
	}
}

// --- counters ---

func (h *Handler) cmdIncr(conn redcon.Conn, args [][]byte) {
	h.incrBy(conn, string(args[1]), 1)
}

func (h *Handler) cmdDecr(conn redcon.Conn, args [][]byte) {
	h.incrBy(conn, string(args[1]), -1)
}

func (h *Handler) cmdIncrBy(conn redcon.Conn, args [][]byte) {
	delta, err := strconv.ParseInt(bytes.BytesToString(args[2]), 10, 64)
	if err != nil {
		writeErr(conn, pkgerrors.ErrNotInteger)
		return
	}
	h.incrBy(conn, string(args[1]), delta)
}

func (h *Handler) cmdDecrBy(conn redcon.Conn, args [][]byte) {
	delta, err := strconv.ParseInt(bytes.BytesToString(args[2]), 10, 64)
	if err != nil {
		writeErr(conn, pkgerrors.ErrNotInteger)
		return
	}
	h.incrBy(conn, string(args[1]), -delta)
}

func (h *Handler) incrBy(conn redcon.Conn, key string, delta int64) {
	current := int64(0)
	if entry, ok := h.store.GetEntry(key); ok {
		n, err := strconv.ParseInt(string(entry.Value), 10, 64)
		if err != nil {
			writeErr(conn, pkgerrors.ErrNotInteger)
			return
		}
		current = n
	}
	current += delta
	if err := h.store.Set(key, []byte(strconv.FormatInt(current, 10)), 0); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteInt64(current)
}

// --- keyspace ---

func (h *Handler) cmdDel(conn redcon.Conn, args [][]byte) {
	deleted := 0
	for _, arg := range args[1:] {
		ok, err := h.store.Delete(bytes.BytesToString(arg))
		if err != nil {
			writeErr(conn, err)
			return
		}
		if ok {
			deleted++
		}
	}
	conn.WriteInt(deleted)
}

func (h *Handler) cmdExists(conn redcon.Conn, args [][]byte) {
	n := 0
	for _, arg := range args[1:] {
		if h.store.Exists(bytes.BytesToString(arg)) {
			n++
		}
	}
	conn.WriteInt(n)
}

func (h *Handler) cmdExpire(conn redcon.Conn, args [][]byte) {
	h.expire(conn, args, time.Second)
}

func (h *Handler) cmdPExpire(conn redcon.Conn, args [][]byte) {
	h.expire(conn, args, time.Millisecond)
}

func (h *Handler) expire(conn redcon.Conn, args [][]byte, unit time.Duration) {
	n, err := strconv.ParseInt(bytes.BytesToString(args[2]), 10, 64)
	if err != nil {
		writeErr(conn, pkgerrors.ErrNotInteger)
		return
	}
	key := bytes.BytesToString(args[1])
	if n <= 0 {
		// A non-positive ttl deletes the key, like EXPIRE with 0.
		existed, _ := h.store.Delete(string(args[1]))
		if existed {
			conn.WriteInt(1)
		} else {
			conn.WriteInt(0)
		}
		return
	}
	if h.store.Expire(key, time.Duration(n)*unit) {
		conn.WriteInt(1)
		return
	}
	conn.WriteInt(0)
}

func (h *Handler) cmdPersist(conn redcon.Conn, args [][]byte) {
	key := bytes.BytesToString(args[1])
	if h.store.TTL(key) <= engine.TTLNone {
		// Missing key or no ttl to remove.
		conn.WriteInt(0)
		return
	}
	h.store.Expire(key, 0)
	conn.WriteInt(1)
}

func (h *Handler) cmdTTL(conn redcon.Conn, args [][]byte) {
	ttl := h.store.TTL(bytes.BytesToString(args[1]))
	switch ttl {
	case engine.TTLMissing:
		conn.WriteInt(-2)
	case engine.TTLNone:
		conn.WriteInt(-1)
	default:
		conn.WriteInt64(int64((ttl + time.Second - 1) / time.Second))
	}
}

func (h *Handler) cmdPTTL(conn redcon.Conn, args [][]byte) {
	ttl := h.store.TTL(bytes.BytesToString(args[1]))
	switch ttl {
	case engine.TTLMissing:
		conn.WriteInt(-2)
	case engine.TTLNone:
		conn.WriteInt(-1)
	default:
		conn.WriteInt64(ttl.Milliseconds())
	}
}

func (h *Handler) cmdType(conn redcon.Conn, args [][]byte) {
	if h.store.Exists(bytes.BytesToString(args[1])) {
		conn.WriteString("string")
		return
	}
	conn.WriteString("none")
}

func (h *Handler) cmdRename(conn redcon.Conn, args [][]byte) {
	if err := h.store.Rename(bytes.BytesToString(args[1]), string(args[2])); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

// cmdKeys walks the whole keyspace; kept for operator use, not the data
// path, so no routing applies.
func (h *Handler) cmdKeys(conn redcon.Conn, args [][]byte) {
	keys := h.store.Keys(bytes.BytesToString(args[1]))
	conn.WriteArray(len(keys))
	for _, key := range keys {
		conn.WriteBulkString(key)
	}
}

func (h *Handler) cmdDBSize(conn redcon.Conn, args [][]byte) {
	conn.WriteInt(h.store.Len())
}

func (h *Handler) cmdFlush(conn redcon.Conn, args [][]byte) {
	if err := h.store.Flush(); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

// --- cluster and migration ---

func (h *Handler) cmdAsking(conn redcon.Conn, args [][]byte) {
	if h.cluster == nil {
		conn.WriteError(clusterDisabledMsg)
		return
	}
	stateOf(conn).Asking = true
	conn.WriteString("OK")
}

func (h *Handler) cmdCluster(conn redcon.Conn, args [][]byte) {
	if h.cluster == nil {
		conn.WriteError(clusterDisabledMsg)
		return
	}
	commands.Cluster(h.cluster, h.migrator, h.store, conn, args)
}

func (h *Handler) cmdDump(conn redcon.Conn, args [][]byte) {
	entry, ok := h.store.GetEntry(bytes.BytesToString(args[1]))
	if !ok {
		conn.WriteNull()
		return
	}
	conn.WriteBulk(entry.Value)
}

// cmdRestore stores a value pushed by a migrating peer. TTL is absolute
// milliseconds remaining, 0 for none.
func (h *Handler) cmdRestore(conn redcon.Conn, args [][]byte) {
	key := string(args[1])
	ttlMillis, err := strconv.ParseInt(bytes.BytesToString(args[2]), 10, 64)
	if err != nil || ttlMillis < 0 {
		conn.WriteError("ERR Invalid TTL value, must be >= 0")
		return
	}
	replace := false
	if len(args) > 4 {
		if len(args) > 5 || !strings.EqualFold(bytes.BytesToString(args[4]), "REPLACE") {
			conn.WriteError(respSyntaxError)
			return
		}
		replace = true
	}
	if !replace && h.store.Exists(key) {
		writeErr(conn, pkgerrors.ErrBusyKey)
		return
	}
	if err := h.store.Set(key, append([]byte(nil), args[3]...), time.Duration(ttlMillis)*time.Millisecond); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

// cmdMigrate pushes keys to another node:
// MIGRATE host port key destdb timeout [COPY] [REPLACE] [KEYS key...].
func (h *Handler) cmdMigrate(conn redcon.Conn, args [][]byte) {
	if h.migrator == nil {
		conn.WriteError(clusterDisabledMsg)
		return
	}
	host := bytes.BytesToString(args[1])
	port := bytes.BytesToString(args[2])

	keys := []string{}
	if single := string(args[3]); single != "" {
		keys = append(keys, single)
	}
	timeoutMillis, err := strconv.ParseInt(bytes.BytesToString(args[5]), 10, 64)
	if err != nil || timeoutMillis < 0 {
		conn.WriteError("ERR timeout is not an integer or out of range")
		return
	}

	copyKeys, replace := false, false
	for i := 6; i < len(args); i++ {
		switch strings.ToUpper(bytes.BytesToString(args[i])) {
		case "COPY":
			copyKeys = true
		case "REPLACE":
			replace = true
		case "KEYS":
			if len(keys) > 0 {
				conn.WriteError(respSyntaxError)
				return
			}
			for _, arg := range args[i+1:] {
				keys = append(keys, string(arg))
			}
			i = len(args)
		default:
			conn.WriteError(respSyntaxError)
			return
		}
	}
	if len(keys) == 0 {
		conn.WriteError(respSyntaxError)
		return
	}

	ctx := context.Background()
	if timeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
		defer cancel()
	}
	moved, err := h.migrator.MigrateKeys(ctx, host+":"+port, keys, copyKeys, replace)
	if err != nil {
		log.WithError(err).Warn("migrate command failed")
		writeErr(conn, err)
		return
	}
	if moved == 0 {
		conn.WriteString("NOKEY")
		return
	}
	conn.WriteString("OK")
}
