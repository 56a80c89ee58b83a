package protocol

import (
	"github.com/tidwall/redcon"
)

// commandSpec binds a command name to its handler. arity is the minimum
// argument count including the name; a negative value means exact |arity|.
// routed commands go through the slot router before their handler runs.
type commandSpec struct {
	fn     func(h *Handler, conn redcon.Conn, args [][]byte)
	arity  int
	routed bool
}

var commandTable = map[string]commandSpec{
	// connection
	"PING":    {fn: (*Handler).cmdPing, arity: 1},
	"ECHO":    {fn: (*Handler).cmdEcho, arity: -2},
	"QUIT":    {fn: (*Handler).cmdQuit, arity: 1},
	"SELECT":  {fn: (*Handler).cmdSelect, arity: -2},
	"COMMAND": {fn: (*Handler).cmdCommand, arity: 1},
	"INFO":    {fn: (*Handler).cmdInfo, arity: 1},

	// strings
	"SET":    {fn: (*Handler).cmdSet, arity: 3, routed: true},
	"GET":    {fn: (*Handler).cmdGet, arity: -2, routed: true},
	"SETNX":  {fn: (*Handler).cmdSetNX, arity: -3, routed: true},
	"SETEX":  {fn: (*Handler).cmdSetEX, arity: -4, routed: true},
	"PSETEX": {fn: (*Handler).cmdPSetEX, arity: -4, routed: true},
	"GETSET": {fn: (*Handler).cmdGetSet, arity: -3, routed: true},
	"APPEND": {fn: (*Handler).cmdAppend, arity: -3, routed: true},
	"STRLEN": {fn: (*Handler).cmdStrLen, arity: -2, routed: true},
	"MSET":   {fn: (*Handler).cmdMSet, arity: 3, routed: true},
	"MGET":   {fn: (*Handler).cmdMGet, arity: 2, routed: true},

	// counters
	"INCR":   {fn: (*Handler).cmdIncr, arity: -2, routed: true},
	"DECR":   {fn: (*Handler).cmdDecr, arity: -2, routed: true},
	"INCRBY": {fn: (*Handler).cmdIncrBy, arity: -3, routed: true},
	"DECRBY": {fn: (*Handler).cmdDecrBy, arity: -3, routed: true},

	// keyspace
	"DEL":      {fn: (*Handler).cmdDel, arity: 2, routed: true},
	"UNLINK":   {fn: (*Handler).cmdDel, arity: 2, routed: true},
	"EXISTS":   {fn: (*Handler).cmdExists, arity: 2, routed: true},
	"EXPIRE":   {fn: (*Handler).cmdExpire, arity: -3, routed: true},
	"PEXPIRE":  {fn: (*Handler).cmdPExpire, arity: -3, routed: true},
	"PERSIST":  {fn: (*Handler).cmdPersist, arity: -2, routed: true},
	"TTL":      {fn: (*Handler).cmdTTL, arity: -2, routed: true},
	"PTTL":     {fn: (*Handler).cmdPTTL, arity: -2, routed: true},
	"TYPE":     {fn: (*Handler).cmdType, arity: -2, routed: true},
	"RENAME":   {fn: (*Handler).cmdRename, arity: -3, routed: true},
	"KEYS":     {fn: (*Handler).cmdKeys, arity: -2},
	"DBSIZE":   {fn: (*Handler).cmdDBSize, arity: 1},
	"FLUSHDB":  {fn: (*Handler).cmdFlush, arity: 1},
	"FLUSHALL": {fn: (*Handler).cmdFlush, arity: 1},

	// cluster and migration
	"ASKING":  {fn: (*Handler).cmdAsking, arity: 1},
	"CLUSTER": {fn: (*Handler).cmdCluster, arity: 2},
	"DUMP":    {fn: (*Handler).cmdDump, arity: -2, routed: true},
	"RESTORE": {fn: (*Handler).cmdRestore, arity: 4, routed: true},
	"MIGRATE": {fn: (*Handler).cmdMigrate, arity: 6},
}
