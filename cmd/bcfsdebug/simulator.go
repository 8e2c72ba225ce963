package main

import (
	"fmt"
	"runtime"

	"github.com/flowdalic/bcachefs-accounting/internal/bcfsconfig"
	"github.com/flowdalic/bcachefs-accounting/pkg/bcfs"
	"github.com/flowdalic/bcachefs-accounting/pkg/devtable"
	pkgfs "github.com/flowdalic/bcachefs-accounting/pkg/fs"
)

// Simulator wires a [bcfs.Filesystem] with synthetic devices built straight
// from a loaded [bcfsconfig.Config], for exploring bucket-mark and
// reservation behavior without a real on-disk filesystem (there is none;
// this module is the accounting core, not a mount path).
type Simulator struct {
	Config bcfsconfig.Config
	FS     *bcfs.Filesystem

	// Writer is how `dump` commits a usage snapshot to disk: temp file
	// plus rename, so a concurrent reader never observes a
	// partially-written snapshot.
	Writer *pkgfs.AtomicWriter
}

// NewSimulator builds a Simulator with one device ("debug0") sized from
// cfg.DeviceCapacitySectors / cfg.BucketSize.
func NewSimulator(cfg bcfsconfig.Config) (*Simulator, error) {
	shards := cfg.Shards
	if shards < 1 {
		shards = runtime.GOMAXPROCS(0)
	}

	nbuckets := uint64(cfg.DeviceCapacitySectors) / uint64(cfg.BucketSize)
	if nbuckets == 0 {
		return nil, fmt.Errorf("bcfsdebug: device_capacity_sectors %d too small for bucket_size %d",
			cfg.DeviceCapacitySectors, cfg.BucketSize)
	}

	dev, err := devtable.NewDevice(0, "debug0", 0, nbuckets, cfg.BucketSize, cfg.DeviceCapacitySectors, shards)
	if err != nil {
		return nil, fmt.Errorf("bcfsdebug: creating device: %w", err)
	}

	fs := bcfs.New(map[int]*devtable.Device{0: dev}, cfg.MaxReplicas, cfg.BtreeNodeSize, shards)
	fs.Engine.ReportInconsistency = func(format string, args ...any) {
		fmt.Printf("inconsistency: "+format+"\n", args...)
	}

	return &Simulator{Config: cfg, FS: fs, Writer: pkgfs.NewAtomicWriter(pkgfs.NewReal())}, nil
}

// AddDevice adds an additional synthetic device, sized the same way as the
// primary one but with its own id and label.
func (s *Simulator) AddDevice(id int, label string) error {
	shards := s.Config.Shards
	if shards < 1 {
		shards = runtime.GOMAXPROCS(0)
	}

	nbuckets := uint64(s.Config.DeviceCapacitySectors) / uint64(s.Config.BucketSize)

	dev, err := devtable.NewDevice(id, label, 0, nbuckets, s.Config.BucketSize, s.Config.DeviceCapacitySectors, shards)
	if err != nil {
		return fmt.Errorf("bcfsdebug: creating device %d: %w", id, err)
	}

	s.FS.AddDevice(dev)

	return nil
}

// Device looks up a device by id, returning an error in bcfsdebug's own
// voice rather than leaking the bcfs package's unexported error type.
func (s *Simulator) Device(id int) (*devtable.Device, error) {
	dev, ok := s.FS.Devices[id]
	if !ok {
		return nil, fmt.Errorf("bcfsdebug: unknown device %d", id)
	}

	return dev, nil
}
