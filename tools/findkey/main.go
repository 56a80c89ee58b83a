// findkey prints the hash slot for one or more keys, and optionally which
// node serves each slot given a list of slot ranges in start-end=node form.
// Handy when deciding hash tags for multi-key operations.
package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/Genuineh/AiKv/internal/cluster/hash"
)

var cli struct {
	Ranges []string `help:"Slot ranges in start-end=node form, e.g. 0-5460=node-a." name:"range" short:"r"`
	Keys   []string `arg:"" help:"Keys to locate."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("findkey"),
		kong.Description("Map keys to cluster hash slots."),
	)

	ranges, err := parseRanges(cli.Ranges)
	kctx.FatalIfErrorf(err)

	for _, key := range cli.Keys {
		slot := hash.KeySlot(key)
		line := fmt.Sprintf("%s\tslot %d", key, slot)
		if node := lookup(ranges, slot); node != "" {
			line += "\t" + node
		}
		fmt.Println(line)
	}
}

type slotRange struct {
	start, end uint16
	node       string
}

func parseRanges(specs []string) ([]slotRange, error) {
	ranges := make([]slotRange, 0, len(specs))
	for _, spec := range specs {
		bounds, node, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("bad range %q, want start-end=node", spec)
		}
		lo, hi, ok := strings.Cut(bounds, "-")
		if !ok {
			hi = lo
		}
		start, err := strconv.ParseUint(lo, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad range %q: %v", spec, err)
		}
		end, err := strconv.ParseUint(hi, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad range %q: %v", spec, err)
		}
		if start > end || end >= uint64(hash.SlotCount) {
			return nil, fmt.Errorf("bad range %q: out of slot range", spec)
		}
		ranges = append(ranges, slotRange{uint16(start), uint16(end), node})
	}
	return ranges, nil
}

func lookup(ranges []slotRange, slot uint16) string {
	for _, r := range ranges {
		if slot >= r.start && slot <= r.end {
			return r.node
		}
	}
	return ""
}
