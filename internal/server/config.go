package server

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/santhoshcv/fleetpulse-server/internal/store"
)

const (
	defaultPeekTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultIdleTFMS90       = 180 * time.Second
	defaultIdleTeltonika    = 600 * time.Second
	defaultStoreTimeout     = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultCoalesceInterval = 10 * time.Second
	defaultInsertQueueSize  = 64
	defaultDrainTimeout     = 15 * time.Second
	defaultReadBufferBytes  = 4096
	defaultPeekBudget       = 64

	// Transient accept errors: keep accepting but avoid tight loops.
	acceptBaseBackoff = 50 * time.Millisecond
	acceptMaxBackoff  = 2 * time.Second
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     store.Gateway
	Listeners []net.Listener

	// Optional with defaults.
	PeekTimeout          time.Duration
	HandshakeTimeout     time.Duration
	IdleTimeoutTFMS90    time.Duration
	IdleTimeoutTeltonika time.Duration
	StoreTimeout         time.Duration
	WriteTimeout         time.Duration
	CoalesceInterval     time.Duration
	InsertQueueSize      int
	DrainTimeout         time.Duration
	ReadBufferBytes      int
	PeekBudget           int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Store == nil {
		return errors.New("store gateway is required")
	}
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	if c.PeekTimeout == 0 {
		c.PeekTimeout = defaultPeekTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.IdleTimeoutTFMS90 == 0 {
		c.IdleTimeoutTFMS90 = defaultIdleTFMS90
	}
	if c.IdleTimeoutTeltonika == 0 {
		c.IdleTimeoutTeltonika = defaultIdleTeltonika
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CoalesceInterval == 0 {
		c.CoalesceInterval = defaultCoalesceInterval
	}
	if c.InsertQueueSize == 0 {
		c.InsertQueueSize = defaultInsertQueueSize
	}
	if c.InsertQueueSize < 0 {
		return errors.New("insert queue size must be > 0")
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.ReadBufferBytes == 0 {
		c.ReadBufferBytes = defaultReadBufferBytes
	}
	if c.ReadBufferBytes <= 0 {
		return errors.New("read buffer bytes must be > 0")
	}
	if c.PeekBudget == 0 {
		c.PeekBudget = defaultPeekBudget
	}
	if c.PeekBudget < 17 {
		return errors.New("peek budget must cover the teltonika greeting (17 bytes)")
	}
	return nil
}
