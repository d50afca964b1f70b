package softraid

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/seaweedfs/softraid/sr/util"
)

// VolumeConfig tunes the engine. The zero value is usable: applyDefaults
// fills every unset field.
type VolumeConfig struct {
	MaxWU            int           // work unit pool capacity, default 64
	MaxCCBPerWU      int           // default: chunk count
	SyncTimeout      time.Duration // bound on drains, default 15s
	TransformWorkers int           // concurrent RAIDC transforms, default NumCPU
	InvariantPolicy  InvariantPolicy
	KDFRounds        int // PBKDF2 rounds for the crypto mask key, default 16384
}

var ErrInvalidConfig = errors.New("softraid: invalid config")

const (
	defaultMaxWU       = 64
	defaultSyncTimeout = 15 * time.Second
	defaultKDFRounds   = 16384
)

func (c *VolumeConfig) applyDefaults(chunks int) {
	if c.MaxWU == 0 {
		c.MaxWU = defaultMaxWU
	}
	if c.MaxCCBPerWU == 0 {
		c.MaxCCBPerWU = chunks
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.TransformWorkers == 0 {
		c.TransformWorkers = runtime.NumCPU()
	}
	if c.KDFRounds == 0 {
		c.KDFRounds = defaultKDFRounds
	}
}

// Validate checks a config after defaults were applied for a volume of chunks chunks.
func (c *VolumeConfig) Validate(chunks int) error {
	if c.MaxWU < 1 {
		return fmt.Errorf("%w: MaxWU %d", ErrInvalidConfig, c.MaxWU)
	}
	if c.MaxCCBPerWU < chunks {
		return fmt.Errorf("%w: MaxCCBPerWU %d below chunk count %d", ErrInvalidConfig, c.MaxCCBPerWU, chunks)
	}
	if c.SyncTimeout < 0 {
		return fmt.Errorf("%w: SyncTimeout %v", ErrInvalidConfig, c.SyncTimeout)
	}
	if c.TransformWorkers < 1 {
		return fmt.Errorf("%w: TransformWorkers %d", ErrInvalidConfig, c.TransformWorkers)
	}
	if c.KDFRounds < 1 {
		return fmt.Errorf("%w: KDFRounds %d", ErrInvalidConfig, c.KDFRounds)
	}
	return nil
}

// NewVolumeConfig reads the volume.* keys of a configuration.
func NewVolumeConfig(conf util.Configuration) (VolumeConfig, error) {
	cfg := VolumeConfig{
		MaxWU:            conf.GetInt("volume.max_wu"),
		MaxCCBPerWU:      conf.GetInt("volume.max_ccb_per_wu"),
		SyncTimeout:      conf.GetDuration("volume.sync_timeout"),
		TransformWorkers: conf.GetInt("volume.transform_workers"),
		KDFRounds:        conf.GetInt("volume.kdf_rounds"),
	}
	policy, err := ParseInvariantPolicy(conf.GetString("volume.invariant_policy"))
	if err != nil {
		return cfg, err
	}
	cfg.InvariantPolicy = policy
	return cfg, nil
}
