// Package commands implements the CLUSTER admin command family: topology
// queries, membership mutations and the slot migration driver.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/Genuineh/AiKv/internal/cluster"
	"github.com/Genuineh/AiKv/internal/cluster/hash"
	"github.com/Genuineh/AiKv/internal/cluster/migrate"
	"github.com/Genuineh/AiKv/internal/engine"
	"github.com/Genuineh/AiKv/pkg/bytes"
)

// Cluster dispatches one CLUSTER subcommand. args starts at the CLUSTER
// token itself.
func Cluster(c *cluster.Cluster, w *migrate.Worker, store engine.Engine, conn redcon.Conn, args [][]byte) {
	sub := strings.ToUpper(bytes.BytesToString(args[1]))
	switch sub {
	case "INFO":
		clusterInfo(c, conn)
	case "MYID":
		conn.WriteBulkString(c.SelfID())
	case "NODES":
		clusterNodes(c, conn)
	case "SLOTS":
		clusterSlots(c, conn)
	case "KEYSLOT":
		if !wantArgs(conn, args, 3) {
			return
		}
		conn.WriteInt(int(hash.KeySlot(string(args[2]))))
	case "MEET":
		clusterMeet(c, conn, args)
	case "FORGET":
		if !wantArgs(conn, args, 3) {
			return
		}
		if err := c.Forget(string(args[2])); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteString("OK")
	case "ADDSLOTS":
		clusterAddSlots(c, conn, args)
	case "ADDSLOTSRANGE":
		clusterAddSlotsRange(c, conn, args)
	case "DELSLOTS":
		clusterDelSlots(c, conn, args)
	case "SETSLOT":
		clusterSetSlot(c, conn, args)
	case "GETKEYSINSLOT":
		clusterGetKeysInSlot(store, conn, args)
	case "COUNTKEYSINSLOT":
		if !wantArgs(conn, args, 3) {
			return
		}
		slot, err := parseSlot(args[2])
		if err != nil {
			conn.WriteError(err.Error())
			return
		}
		conn.WriteInt(store.CountSlot(slot))
	case "MIGRATESLOT":
		clusterMigrateSlot(w, conn, args)
	default:
		conn.WriteError(fmt.Sprintf(
			"ERR Unknown subcommand or wrong number of arguments for '%s'. Try CLUSTER HELP.",
			strings.ToLower(sub)))
	}
}

func wantArgs(conn redcon.Conn, args [][]byte, n int) bool {
	if len(args) != n {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return false
	}
	return true
}

func parseSlot(arg []byte) (uint16, error) {
	n, err := strconv.Atoi(bytes.BytesToString(arg))
	if err != nil || n < 0 || n >= int(hash.SlotCount) {
		return 0, fmt.Errorf("ERR Invalid or out of range slot")
	}
	return uint16(n), nil
}

func clusterInfo(c *cluster.Cluster, conn redcon.Conn) {
	info := c.ClusterInfo()
	state := "fail"
	if info.StateOK {
		state = "ok"
	}
	var b strings.Builder
	b.WriteString("cluster_enabled:1\r\n")
	fmt.Fprintf(&b, "cluster_state:%s\r\n", state)
	fmt.Fprintf(&b, "cluster_slots_assigned:%d\r\n", info.SlotsAssigned)
	fmt.Fprintf(&b, "cluster_slots_ok:%d\r\n", info.SlotsOK)
	fmt.Fprintf(&b, "cluster_slots_pfail:%d\r\n", info.SlotsPFail)
	fmt.Fprintf(&b, "cluster_slots_fail:%d\r\n", info.SlotsFail)
	fmt.Fprintf(&b, "cluster_known_nodes:%d\r\n", info.KnownNodes)
	fmt.Fprintf(&b, "cluster_size:%d\r\n", info.Size)
	fmt.Fprintf(&b, "cluster_current_epoch:%d\r\n", info.CurrentEpoch)
	fmt.Fprintf(&b, "cluster_my_epoch:%d\r\n", info.MyEpoch)
	conn.WriteBulkString(b.String())
}

// clusterNodes renders the standard one-line-per-node table clients parse
// for topology discovery.
func clusterNodes(c *cluster.Cluster, conn redcon.Conn) {
	var b strings.Builder
	for _, view := range c.Nodes() {
		flags := view.Role.String()
		if view.IsSelf {
			flags = "myself," + flags
		}
		switch view.State {
		case cluster.NodeStatePFail:
			flags += ",fail?"
		case cluster.NodeStateFail:
			flags += ",fail"
		}

		master := "-"
		if view.MasterID != "" {
			master = view.MasterID
		}
		link := "connected"
		if view.State == cluster.NodeStateFail {
			link = "disconnected"
		}

		fmt.Fprintf(&b, "%s %s:%d@%d %s %s %d %d %d %s",
			view.ID, view.IP, view.Port, view.ClusterPort, flags, master,
			view.PingSent, view.PongReceived, view.ConfigEpoch, link)
		for _, r := range view.Slots {
			if r.Start == r.End {
				fmt.Fprintf(&b, " %d", r.Start)
			} else {
				fmt.Fprintf(&b, " %d-%d", r.Start, r.End)
			}
		}
		b.WriteString("\n")
	}
	conn.WriteBulkString(b.String())
}

// clusterSlots answers the machine-readable form: one entry per contiguous
// range with the owner's address.
func clusterSlots(c *cluster.Cluster, conn redcon.Conn) {
	type entry struct {
		start, end uint16
		ip         string
		port       int
		id         string
	}
	var entries []entry
	for _, view := range c.Nodes() {
		for _, r := range view.Slots {
			entries = append(entries, entry{
				start: r.Start, end: r.End,
				ip: view.IP, port: view.Port, id: view.ID,
			})
		}
	}

	conn.WriteArray(len(entries))
	for _, e := range entries {
		conn.WriteArray(3)
		conn.WriteInt(int(e.start))
		conn.WriteInt(int(e.end))
		conn.WriteArray(3)
		conn.WriteBulkString(e.ip)
		conn.WriteInt(e.port)
		conn.WriteBulkString(e.id)
	}
}

func clusterMeet(c *cluster.Cluster, conn redcon.Conn, args [][]byte) {
	if !wantArgs(conn, args, 4) {
		return
	}
	port, err := strconv.Atoi(bytes.BytesToString(args[3]))
	if err != nil || port <= 0 || port > 65535 {
		conn.WriteError("ERR Invalid TCP port specified")
		return
	}
	if err := c.Meet(string(args[2]), port); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func clusterAddSlots(c *cluster.Cluster, conn redcon.Conn, args [][]byte) {
	slots, err := parseSlots(args[2:])
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	if len(slots) == 0 {
		conn.WriteError("ERR Please specify one or more slots")
		return
	}
	if err := c.AddSlots(slots); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

// clusterAddSlotsRange claims [start end] pairs of inclusive slot bounds.
func clusterAddSlotsRange(c *cluster.Cluster, conn redcon.Conn, args [][]byte) {
	bounds, err := parseSlots(args[2:])
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	if len(bounds) == 0 || len(bounds)%2 != 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster|addslotsrange' command")
		return
	}
	for i := 0; i+1 < len(bounds); i += 2 {
		start, end := bounds[i], bounds[i+1]
		if start > end {
			conn.WriteError(fmt.Sprintf("ERR start slot number %d is greater than end slot number %d", start, end))
			return
		}
		if err := c.AddSlotRange(start, end); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
	}
	conn.WriteString("OK")
}

func clusterDelSlots(c *cluster.Cluster, conn redcon.Conn, args [][]byte) {
	slots, err := parseSlots(args[2:])
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	if len(slots) == 0 {
		conn.WriteError("ERR Please specify one or more slots")
		return
	}
	if err := c.DelSlots(slots); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func parseSlots(args [][]byte) ([]uint16, error) {
	slots := make([]uint16, 0, len(args))
	for _, arg := range args {
		slot, err := parseSlot(arg)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func clusterSetSlot(c *cluster.Cluster, conn redcon.Conn, args [][]byte) {
	if len(args) < 4 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}
	slot, err := parseSlot(args[2])
	if err != nil {
		conn.WriteError(err.Error())
		return
	}

	op := strings.ToUpper(bytes.BytesToString(args[3]))
	switch op {
	case "STABLE":
		err = c.SetSlotStable(slot)
	case "IMPORTING", "MIGRATING", "NODE":
		if len(args) != 5 {
			conn.WriteError("ERR wrong number of arguments for 'cluster' command")
			return
		}
		nodeID := string(args[4])
		switch op {
		case "IMPORTING":
			err = c.SetSlotImporting(slot, nodeID)
		case "MIGRATING":
			err = c.SetSlotMigrating(slot, nodeID)
		case "NODE":
			err = c.SetSlotNode(slot, nodeID)
		}
	default:
		conn.WriteError("ERR Invalid CLUSTER SETSLOT action or number of arguments")
		return
	}
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func clusterGetKeysInSlot(store engine.Engine, conn redcon.Conn, args [][]byte) {
	if !wantArgs(conn, args, 4) {
		return
	}
	slot, err := parseSlot(args[2])
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	count, err := strconv.Atoi(bytes.BytesToString(args[3]))
	if err != nil || count < 0 {
		conn.WriteError("ERR Invalid count")
		return
	}
	keys := store.SlotKeys(slot, count)
	conn.WriteArray(len(keys))
	for _, key := range keys {
		conn.WriteBulkString(key)
	}
}

// clusterMigrateSlot drives a full slot handoff to another node. It runs
// synchronously; the reply is the number of keys moved.
func clusterMigrateSlot(w *migrate.Worker, conn redcon.Conn, args [][]byte) {
	if !wantArgs(conn, args, 4) {
		return
	}
	if w == nil {
		conn.WriteError("ERR migration is not available")
		return
	}
	slot, err := parseSlot(args[2])
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	moved, err := w.MigrateSlot(context.Background(), slot, string(args[3]))
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteInt(moved)
}
