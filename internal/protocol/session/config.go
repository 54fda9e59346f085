package session

import "time"

// HardWindowBytes caps the bytes a stateful session keeps in flight.
const HardWindowBytes = 4096

// HandshakeConfig defines control-session retry behavior.
type HandshakeConfig struct {
	NewAttempts  int
	SendTimeout  time.Duration
	SyncWait     time.Duration
	SyncWaitLong time.Duration
	EndAttempts  int
	EndWait      time.Duration
	SyncPoll     time.Duration
}

// Config defines session reliability defaults.
type Config struct {
	BlockSize   int
	OutLimit    int
	IdleTimeout time.Duration
	ShortSleep  time.Duration
	// MaxAttempts is the number of unanswered ack requests before a
	// stateful session gives up.
	MaxAttempts     int
	AckRetryBase    time.Duration
	AckRetryStep    time.Duration
	MinRoundTimeout time.Duration
	// AssumedRate is used for round timeouts until a rate is measured.
	AssumedRate   float64
	MinRateSample int
	Compress      bool
	InboundBuffer int
	Handshake     HandshakeConfig
}

func DefaultConfig() Config {
	return Config{
		BlockSize:       1024,
		OutLimit:        8,
		IdleTimeout:     90 * time.Second,
		ShortSleep:      time.Second,
		MaxAttempts:     10,
		AckRetryBase:    4 * time.Second,
		AckRetryStep:    4 * time.Second,
		MinRoundTimeout: 12 * time.Second,
		AssumedRate:     80,
		MinRateSample:   300,
		Compress:        true,
		InboundBuffer:   256,
		Handshake: HandshakeConfig{
			NewAttempts:  10,
			SendTimeout:  10 * time.Second,
			SyncWait:     5 * time.Second,
			SyncWaitLong: 15 * time.Second,
			EndAttempts:  3,
			EndWait:      15 * time.Second,
			SyncPoll:     2 * time.Second,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig. IdleTimeout is left
// alone: zero means never time out.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.OutLimit <= 0 {
		c.OutLimit = d.OutLimit
	}
	if c.ShortSleep <= 0 {
		c.ShortSleep = d.ShortSleep
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AckRetryBase <= 0 {
		c.AckRetryBase = d.AckRetryBase
	}
	if c.AckRetryStep <= 0 {
		c.AckRetryStep = d.AckRetryStep
	}
	if c.MinRoundTimeout <= 0 {
		c.MinRoundTimeout = d.MinRoundTimeout
	}
	if c.AssumedRate <= 0 {
		c.AssumedRate = d.AssumedRate
	}
	if c.MinRateSample <= 0 {
		c.MinRateSample = d.MinRateSample
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = d.InboundBuffer
	}
	h := &c.Handshake
	if h.NewAttempts <= 0 {
		h.NewAttempts = d.Handshake.NewAttempts
	}
	if h.SendTimeout <= 0 {
		h.SendTimeout = d.Handshake.SendTimeout
	}
	if h.SyncWait <= 0 {
		h.SyncWait = d.Handshake.SyncWait
	}
	if h.SyncWaitLong <= 0 {
		h.SyncWaitLong = d.Handshake.SyncWaitLong
	}
	if h.EndAttempts <= 0 {
		h.EndAttempts = d.Handshake.EndAttempts
	}
	if h.EndWait <= 0 {
		h.EndWait = d.Handshake.EndWait
	}
	if h.SyncPoll <= 0 {
		h.SyncPoll = d.Handshake.SyncPoll
	}
	return c
}

// hardLimit is the window cap for this block size.
func (c Config) hardLimit() int {
	return HardWindowBytes / c.BlockSize
}
