package protocol

import (
	"github.com/Genuineh/AiKv/pkg/bytes"
)

// commandKeys extracts the keys a command touches, for slot routing. args
// includes the command name at index 0. Commands without keys return nil and
// bypass routing.
func commandKeys(name string, args [][]byte) []string {
	switch name {
	case "GET", "SET", "SETNX", "SETEX", "PSETEX", "GETSET", "APPEND",
		"STRLEN", "INCR", "DECR", "INCRBY", "DECRBY",
		"EXPIRE", "PEXPIRE", "PERSIST", "TTL", "PTTL", "TYPE",
		"RESTORE", "DUMP":
		if len(args) < 2 {
			return nil
		}
		return []string{bytes.BytesToString(args[1])}

	case "DEL", "EXISTS", "UNLINK", "MGET", "RENAME":
		keys := make([]string, 0, len(args)-1)
		for _, arg := range args[1:] {
			keys = append(keys, bytes.BytesToString(arg))
		}
		return keys

	case "MSET":
		keys := make([]string, 0, (len(args)-1)/2)
		for i := 1; i+1 < len(args); i += 2 {
			keys = append(keys, bytes.BytesToString(args[i]))
		}
		return keys
	}
	return nil
}
