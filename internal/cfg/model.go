package cfg

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/e2b-dev/infra/packages/pager/internal/evict"
	"github.com/e2b-dev/infra/packages/pager/internal/swap"
)

type Config struct {
	PhysicalFrames uint             `env:"PAGER_PHYSICAL_FRAMES" envDefault:"64"`
	EvictionPolicy evict.Name       `env:"PAGER_EVICTION_POLICY" envDefault:"fifo"`
	SwapContent    swap.ContentMode `env:"PAGER_SWAP_CONTENT"    envDefault:"preserve"`
	SwapSlots      uint             `env:"PAGER_SWAP_SLOTS"      envDefault:"1024"`
	StatPageLimit  int              `env:"PAGER_STAT_PAGE_LIMIT" envDefault:"128"`
	TraceEnabled   bool             `env:"PAGER_TRACE_ENABLED"   envDefault:"true"`
	Debug          bool             `env:"LOG_DEBUG"`
}

func Parse() (Config, error) {
	config, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, err
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) Validate() error {
	if c.PhysicalFrames == 0 {
		return fmt.Errorf("PAGER_PHYSICAL_FRAMES must be positive")
	}

	if c.SwapSlots == 0 || c.SwapSlots > swap.MaxSlots {
		return fmt.Errorf("PAGER_SWAP_SLOTS must be in [1, %d], got %d", swap.MaxSlots, c.SwapSlots)
	}

	if c.StatPageLimit <= 0 {
		return fmt.Errorf("PAGER_STAT_PAGE_LIMIT must be positive, got %d", c.StatPageLimit)
	}

	if _, err := evict.New(c.EvictionPolicy); err != nil {
		return err
	}

	switch c.SwapContent {
	case swap.ContentPreserve, swap.ContentDiscard:
	default:
		return fmt.Errorf("unknown swap content mode %q", c.SwapContent)
	}

	return nil
}
