// Package bcfsconfig loads the mount-time configuration this module needs:
// bucket size, per-device capacity, the replication limit, and related
// settings. Config files are JSONC (JSON with comments and trailing
// commas), standardized to plain JSON via hujson before unmarshalling.
package bcfsconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/flowdalic/bcachefs-accounting/pkg/fs"
)

// Config is the mount-time tuning surface for the accounting core.
type Config struct {
	BucketSize            uint32 `json:"bucket_size"`
	DeviceCapacitySectors int64  `json:"device_capacity_sectors"`
	MaxReplicas           int    `json:"max_replicas"`
	ReserveFactorShift    uint   `json:"reserve_factor_shift"` // loaded and printed, not applied: package usage uses a fixed shift of 6
	BtreeNodeSize         int64  `json:"btree_node_size"`
	Shards                int    `json:"shards"`
}

// Default returns the baked-in defaults, matchingworked
// examples (bucket_size=512, RESERVE_FACTOR shift=6).
func Default() Config {
	return Config{
		BucketSize:            512,
		DeviceCapacitySectors: 8192,
		MaxReplicas:           4,
		ReserveFactorShift:    6,
		BtreeNodeSize:         256,
		Shards:                4,
	}
}

var (
	errInvalidJSONC  = errors.New("bcfsconfig: invalid JSONC")
	errInvalidJSON   = errors.New("bcfsconfig: invalid JSON")
	errInvalidConfig = errors.New("bcfsconfig: invalid configuration")
)

// Load reads and validates a config file through filesystem fs (so callers
// can substitute [fs.Real] in production or a fake in tests), falling back
// to [Default] if path does not exist.
func Load(filesystem fs.FS, path string) (Config, error) {
	cfg := Default()

	data, err := filesystem.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("bcfsconfig: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errInvalidJSONC, path, err)
	}

	loaded := Default()

	if err := json.Unmarshal(standardized, &loaded); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errInvalidJSON, path, err)
	}

	if err := Validate(loaded); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errInvalidConfig, path, err)
	}

	return loaded, nil
}

// Validate collects every configuration problem rather than stopping at
// the first, joining them into a single error.
func Validate(cfg Config) error {
	var errs []error

	if cfg.BucketSize == 0 {
		errs = append(errs, errors.New("bucket_size must be > 0"))
	}

	if cfg.DeviceCapacitySectors <= 0 {
		errs = append(errs, errors.New("device_capacity_sectors must be > 0"))
	}

	if cfg.MaxReplicas <= 0 {
		errs = append(errs, errors.New("max_replicas must be > 0"))
	}

	if cfg.BtreeNodeSize <= 0 {
		errs = append(errs, errors.New("btree_node_size must be > 0"))
	}

	if cfg.Shards <= 0 {
		errs = append(errs, errors.New("shards must be > 0"))
	}

	return errors.Join(errs...)
}

// Format renders cfg as indented JSON, for `bcfsdebug config`.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("bcfsconfig: formatting config: %w", err)
	}

	return string(data), nil
}
