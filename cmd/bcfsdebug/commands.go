package main

import (
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/flowdalic/bcachefs-accounting/internal/bcfsconfig"
	"github.com/flowdalic/bcachefs-accounting/pkg/devtable"
	"github.com/flowdalic/bcachefs-accounting/pkg/reservation"
)

// commandOrder lists every command builder in the order it should appear
// in help output; commandBuilders derives its map from this so dispatch and
// listing never disagree.
var commandOrder = []struct {
	name  string
	build func() *Command
}{
	{"devices", DevicesCmd},
	{"mark", MarkCmd},
	{"usage", UsageCmd},
	{"acquire", AcquireCmd},
	{"release", ReleaseCmd},
	{"config", ConfigCmd},
	{"dump", DumpCmd},
	{"repl", ReplCmd},
}

func allCommands() []*Command {
	out := make([]*Command, 0, len(commandOrder))
	for _, c := range commandOrder {
		out = append(out, c.build())
	}

	return out
}

// commandBuilders returns a constructor per command rather than built
// instances, so repeated dispatches (the REPL loop) each get a FlagSet
// that has never been Parse'd before.
func commandBuilders() map[string]func() *Command {
	out := make(map[string]func() *Command, len(commandOrder))
	for _, c := range commandOrder {
		out[c.name] = c.build
	}

	return out
}

// DevicesCmd lists every device in the simulation with its bucket count
// and derived usage.
func DevicesCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("devices", flag.ContinueOnError),
		Usage: "devices",
		Short: "List devices and their from-scratch usage",
		Exec: func(io *IO, sim *Simulator, _ []string) error {
			for id, dev := range sim.FS.Devices {
				u := devtable.DevUsageFromBuckets(dev)
				io.Printf("device %d (%s): buckets=%d cap_sectors=%d data_sectors=%d cached_sectors=%d hidden=%d\n",
					id, dev.Label, dev.Table.NumBuckets(), dev.CapacitySectors, u.Data, u.Cached, u.Hidden)
			}

			return nil
		},
	}
}

// MarkCmd dumps the packed mark of a single bucket.
func MarkCmd() *Command {
	fs := flag.NewFlagSet("mark", flag.ContinueOnError)
	device := fs.IntP("device", "d", 0, "device id")

	return &Command{
		Flags: fs,
		Usage: "mark <bucket>",
		Short: "Show the decoded mark of one bucket",
		Exec: func(io *IO, sim *Simulator, args []string) error {
			if len(args) < 1 {
				io.ErrPrintln("usage: mark [-d device] <bucket>")
				return nil
			}

			bucket, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}

			dev, err := sim.Device(*device)
			if err != nil {
				return err
			}

			mark := dev.Table.Mark(bucket).Load()

			io.Printf("bucket %d: gen=%d data_type=%s dirty=%d cached=%d owned_by_allocator=%v stripe=%d\n",
				bucket, mark.Gen(), mark.DataType(), mark.DirtySectors(), mark.CachedSectors(),
				mark.OwnedByAllocator(), mark.Stripe())

			return nil
		},
	}
}

// UsageCmd prints the live and GC counter snapshots.
func UsageCmd() *Command {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	gc := fs.Bool("gc", false, "show the GC shadow-world counters instead of live")

	return &Command{
		Flags: fs,
		Usage: "usage",
		Short: "Show filesystem-wide usage counters",
		Exec: func(io *IO, sim *Simulator, _ []string) error {
			shard := sim.FS.FSUsage.Live
			if *gc {
				shard = sim.FS.FSUsage.GC
			}

			c := shard.Read()
			io.Printf("data=%d cached=%d reserved=%d online_reserved=%d hidden=%d inodes=%d\n",
				c.Data, c.Cached, c.Reserved, c.OnlineReserved, c.Hidden, c.NrInodes)

			io.Printf("global_reservation_pool=%d\n", sim.FS.Reservations.Global())

			return nil
		},
	}
}

// AcquireCmd simulates a reservation acquire against shard 0.
func AcquireCmd() *Command {
	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	nofail := fs.Bool("nofail", false, "set the NOFAIL flag")

	return &Command{
		Flags: fs,
		Usage: "acquire <sectors>",
		Short: "Simulate reservation_add",
		Exec: func(io *IO, sim *Simulator, args []string) error {
			if len(args) < 1 {
				io.ErrPrintln("usage: acquire [--nofail] <sectors>")
				return nil
			}

			sectors, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}

			var flags reservation.Flags
			if *nofail {
				flags |= reservation.NOFAIL
			}

			res := &reservation.Reservation{}

			if err := sim.FS.Acquire(0, res, sectors, flags); err != nil {
				return err
			}

			io.Printf("reserved %d sectors (reservation handle now holds %d)\n", sectors, res.Sectors)

			return nil
		},
	}
}

// ReleaseCmd releases a reservation of the given number of sectors,
// subtracting it from online_reserved, for symmetry with AcquireCmd in
// one-shot invocations.
func ReleaseCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("release", flag.ContinueOnError),
		Usage: "release <sectors>",
		Short: "Simulate reservation_put for a fresh handle of that size",
		Exec: func(io *IO, sim *Simulator, args []string) error {
			if len(args) < 1 {
				io.ErrPrintln("usage: release <sectors>")
				return nil
			}

			sectors, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}

			res := &reservation.Reservation{Sectors: sectors}
			sim.FS.Release(0, res)
			io.Printf("released %d sectors\n", sectors)

			return nil
		},
	}
}

// ConfigCmd prints the effective configuration the simulator was built
// from.
func ConfigCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("config", flag.ContinueOnError),
		Usage: "config",
		Short: "Show the effective configuration",
		Exec: func(io *IO, sim *Simulator, _ []string) error {
			out, err := bcfsconfig.Format(sim.Config)
			if err != nil {
				return err
			}

			io.Println(out)

			return nil
		},
	}
}
