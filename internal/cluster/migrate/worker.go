// Package migrate moves slot contents between nodes. The worker drives the
// full handoff protocol: mark both sides, push every key with ASKING +
// RESTORE, then finalize ownership under a bumped epoch.
package migrate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Genuineh/AiKv/internal/cluster"
	"github.com/Genuineh/AiKv/internal/engine"
	"github.com/Genuineh/AiKv/internal/metrics"
)

const (
	defaultBatchSize   = 64
	defaultDialTimeout = 2 * time.Second
	defaultIOTimeout   = 5 * time.Second
)

// Worker migrates slots out of the local node.
type Worker struct {
	cluster *cluster.Cluster
	store   engine.Engine

	BatchSize   int
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// New creates a worker bound to the local cluster and engine.
func New(c *cluster.Cluster, store engine.Engine) *Worker {
	return &Worker{
		cluster:     c,
		store:       store,
		BatchSize:   defaultBatchSize,
		DialTimeout: defaultDialTimeout,
		IOTimeout:   defaultIOTimeout,
	}
}

// MigrateSlot hands the slot over to targetID and returns the number of keys
// moved. On failure the slot is left in migrating state so the operator can
// retry or run SETSLOT STABLE to abort.
func (w *Worker) MigrateSlot(ctx context.Context, slot uint16, targetID string) (int, error) {
	peer := w.cluster.Gossip().Peer(targetID)
	if peer == nil {
		return 0, errors.Errorf("unknown migration target %s", targetID)
	}

	client, err := dialRESP(peer.Addr(), w.DialTimeout, w.IOTimeout)
	if err != nil {
		return 0, err
	}
	defer client.close()

	// Target first: it must accept ASKING traffic before any key moves.
	if _, err := client.do([]byte("CLUSTER"), []byte("SETSLOT"),
		[]byte(strconv.Itoa(int(slot))), []byte("IMPORTING"),
		[]byte(w.cluster.SelfID())); err != nil {
		return 0, errors.Wrap(err, "mark target importing")
	}
	if err := w.cluster.SetSlotMigrating(slot, targetID); err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"slot":   slot,
		"target": targetID[:8],
		"keys":   w.store.CountSlot(slot),
	}).Info("slot migration started")

	moved := 0
	for {
		select {
		case <-ctx.Done():
			return moved, ctx.Err()
		default:
		}

		keys := w.store.SlotKeys(slot, w.BatchSize)
		if len(keys) == 0 {
			break
		}
		for _, key := range keys {
			if err := w.pushKey(client, key, true); err != nil {
				metrics.MigratedKeysTotal.WithLabelValues("error").Inc()
				return moved, errors.Wrapf(err, "push key %q", key)
			}
			if _, err := w.store.Delete(key); err != nil {
				return moved, errors.Wrapf(err, "delete migrated key %q", key)
			}
			metrics.MigratedKeysTotal.WithLabelValues("ok").Inc()
			moved++
		}
	}

	// Finalize on the target first so its higher-epoch claim exists before
	// this node stops serving the slot, then locally.
	if _, err := client.do([]byte("CLUSTER"), []byte("SETSLOT"),
		[]byte(strconv.Itoa(int(slot))), []byte("NODE"), []byte(targetID)); err != nil {
		return moved, errors.Wrap(err, "finalize on target")
	}
	if err := w.cluster.SetSlotNode(slot, targetID); err != nil {
		return moved, err
	}

	log.WithFields(log.Fields{"slot": slot, "moved": moved}).Info("slot migration finished")
	return moved, nil
}

// MigrateKeys pushes individual keys to addr, Redis MIGRATE style. With copy
// false the local keys are deleted after transfer; with replace true
// existing keys on the target are overwritten.
func (w *Worker) MigrateKeys(ctx context.Context, addr string, keys []string, copyKeys, replace bool) (int, error) {
	client, err := dialRESP(addr, w.DialTimeout, w.IOTimeout)
	if err != nil {
		return 0, err
	}
	defer client.close()

	moved := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return moved, ctx.Err()
		default:
		}
		if !w.store.Exists(key) {
			continue
		}
		if err := w.pushKeyOpts(client, key, false, replace); err != nil {
			metrics.MigratedKeysTotal.WithLabelValues("error").Inc()
			return moved, errors.Wrapf(err, "push key %q", key)
		}
		if !copyKeys {
			if _, err := w.store.Delete(key); err != nil {
				return moved, errors.Wrapf(err, "delete migrated key %q", key)
			}
		}
		metrics.MigratedKeysTotal.WithLabelValues("ok").Inc()
		moved++
	}
	return moved, nil
}

func (w *Worker) pushKey(client *respClient, key string, asking bool) error {
	return w.pushKeyOpts(client, key, asking, true)
}

// pushKeyOpts transfers one entry with its remaining TTL. Keys that expire
// between scan and push are skipped. A BUSYKEY reply without REPLACE is
// surfaced to the caller.
func (w *Worker) pushKeyOpts(client *respClient, key string, asking, replace bool) error {
	entry, ok := w.store.GetEntry(key)
	if !ok {
		return nil
	}
	ttlMillis := int64(0)
	if !entry.ExpireAt.IsZero() {
		ttlMillis = time.Until(entry.ExpireAt).Milliseconds()
		if ttlMillis <= 0 {
			return nil
		}
	}

	if asking {
		if _, err := client.do([]byte("ASKING")); err != nil {
			return errors.Wrap(err, "asking")
		}
	}

	args := [][]byte{
		[]byte("RESTORE"),
		[]byte(key),
		[]byte(strconv.FormatInt(ttlMillis, 10)),
		entry.Value,
	}
	if replace {
		args = append(args, []byte("REPLACE"))
	}
	if _, err := client.do(args...); err != nil {
		if strings.HasPrefix(err.Error(), "BUSYKEY") {
			return errors.Wrapf(err, "target already holds %q", key)
		}
		return err
	}
	return nil
}
