package transport

import (
	"fmt"
	"time"
)

const (
	// DefaultMTU is the default largest payload per frame.
	DefaultMTU = 0x10000
	// DefaultEntries is the default number of pooled entries per direction.
	DefaultEntries = 100
	// DefaultRxBatch bounds the frames processed per drain pass.
	DefaultRxBatch = 64
	// DefaultDMAThreshold is the smallest transfer handed to a DMA channel.
	DefaultDMAThreshold = 1024
)

// Config tunes a Transport. Both ends of a link must agree on MTU since it
// determines the ring geometry and is not negotiated.
type Config struct {
	MTU          int
	MaxQPs       int // zero means as many as the device supports
	RxEntries    int
	TxEntries    int
	RxBatch      int
	UseDMA       bool
	DMAThreshold int

	LinkRetryInterval   time.Duration
	QPLinkRetryInterval time.Duration
	DMADrainTimeout     time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MTU:                 DefaultMTU,
		RxEntries:           DefaultEntries,
		TxEntries:           DefaultEntries,
		RxBatch:             DefaultRxBatch,
		UseDMA:              false,
		DMAThreshold:        DefaultDMAThreshold,
		LinkRetryInterval:   10 * time.Millisecond,
		QPLinkRetryInterval: 10 * time.Millisecond,
		DMADrainTimeout:     time.Second,
	}
}

// Validate checks the settings for obviously unusable values.
func (c Config) Validate() error {
	switch {
	case c.MTU <= 0:
		return fmt.Errorf("invalid mtu %d", c.MTU)
	case c.MaxQPs < 0 || c.MaxQPs > maxQPs:
		return fmt.Errorf("invalid max qps %d (limit %d)", c.MaxQPs, maxQPs)
	case c.RxEntries <= 0 || c.TxEntries <= 0:
		return fmt.Errorf("invalid entry counts rx=%d tx=%d", c.RxEntries, c.TxEntries)
	case c.RxBatch <= 0:
		return fmt.Errorf("invalid rx batch %d", c.RxBatch)
	case c.DMAThreshold < 0:
		return fmt.Errorf("invalid dma threshold %d", c.DMAThreshold)
	case c.LinkRetryInterval <= 0 || c.QPLinkRetryInterval <= 0:
		return fmt.Errorf("retry intervals must be positive")
	case c.DMADrainTimeout < 0:
		return fmt.Errorf("invalid dma drain timeout %s", c.DMADrainTimeout)
	}
	return nil
}
