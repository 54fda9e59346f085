package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ratslink/internal/logging"
	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/danmuck/ratslink/internal/transport"
)

const (
	PipeSocket  = "socket"
	PipeSerial  = "serial"
	PipeKISS    = "kiss"
	PipeKISSTCP = "kiss-tcp"
)

const (
	MinBlockSize = 32
	MaxBlockSize = 2048
)

var ErrInvalid = errors.New("config: invalid")

type PipeConfig struct {
	Kind     string
	Address  string
	Baud     int
	Timeout  time.Duration
	Username string
	Password string
	TNCPort  uint8
}

type AdminConfig struct {
	Addr        string
	CORSOrigins []string
}

// Station is everything a ratsd process needs to bring a link up.
type Station struct {
	Callsign  string
	Pipe      PipeConfig
	Transport transport.Options
	Session   session.Config
	Admin     AdminConfig
	Log       logging.Config
}

func Default() Station {
	return Station{
		Callsign: "",
		Pipe: PipeConfig{
			Kind:    PipeSocket,
			Address: "localhost:9000",
			Baud:    9600,
			Timeout: 250 * time.Millisecond,
		},
		Transport: transport.DefaultOptions(),
		Session:   session.DefaultConfig(),
		Admin: AdminConfig{
			Addr:        "127.0.0.1:9700",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Log: logging.DefaultConfig(logging.ProfileRuntime),
	}
}

// duration decodes either a Go duration string or a bare number of
// seconds.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return err
		}
		d.Duration = parsed
	case int64:
		d.Duration = time.Duration(x) * time.Second
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("bad duration %v", x)
		}
		d.Duration = time.Duration(x * float64(time.Second))
	default:
		return fmt.Errorf("bad duration type %T", v)
	}
	return nil
}

type fileConfig struct {
	Callsign string `toml:"callsign"`
	Pipe     struct {
		Kind     string   `toml:"kind"`
		Address  string   `toml:"address"`
		Baud     int      `toml:"baud"`
		Timeout  duration `toml:"timeout"`
		Username string   `toml:"username"`
		Password string   `toml:"password"`
		TNCPort  int      `toml:"tnc_port"`
	} `toml:"pipe"`
	Transport struct {
		Compat            bool     `toml:"compat"`
		WarmupLength      int      `toml:"warmup_length"`
		WarmupTimeout     duration `toml:"warmup_timeout"`
		ForceDelay        duration `toml:"force_delay"`
		CompatDelay       duration `toml:"compat_delay"`
		MaxRetries        int      `toml:"max_retries"`
		ReconnectInterval duration `toml:"reconnect_interval"`
	} `toml:"transport"`
	Session struct {
		BlockSize   int      `toml:"blocksize"`
		OutLimit    int      `toml:"out_limit"`
		IdleTimeout duration `toml:"idle_timeout"`
		Compress    bool     `toml:"compress"`
	} `toml:"session"`
	Admin struct {
		Addr        string   `toml:"addr"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"admin"`
	Log struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
	} `toml:"log"`
}

// Load reads a station config. Keys missing from the file keep their
// Default values.
func Load(path string) (Station, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Station{}, fmt.Errorf("load station config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Station{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Station{}, err
	}
	if err := Validate(cfg); err != nil {
		return Station{}, err
	}
	return cfg, nil
}

func apply(cfg Station, raw fileConfig, meta toml.MetaData) (Station, error) {
	if meta.IsDefined("callsign") {
		cfg.Callsign = strings.ToUpper(strings.TrimSpace(raw.Callsign))
	}

	if meta.IsDefined("pipe", "kind") {
		cfg.Pipe.Kind = strings.ToLower(strings.TrimSpace(raw.Pipe.Kind))
	}
	if meta.IsDefined("pipe", "address") {
		cfg.Pipe.Address = strings.TrimSpace(raw.Pipe.Address)
	}
	if meta.IsDefined("pipe", "baud") {
		cfg.Pipe.Baud = raw.Pipe.Baud
	}
	if meta.IsDefined("pipe", "timeout") {
		cfg.Pipe.Timeout = raw.Pipe.Timeout.Duration
	}
	if meta.IsDefined("pipe", "username") {
		cfg.Pipe.Username = strings.TrimSpace(raw.Pipe.Username)
	}
	if meta.IsDefined("pipe", "password") {
		cfg.Pipe.Password = raw.Pipe.Password
	}
	if meta.IsDefined("pipe", "tnc_port") {
		if raw.Pipe.TNCPort < 0 || raw.Pipe.TNCPort > 15 {
			return Station{}, fmt.Errorf("%w: pipe.tnc_port %d outside 0..15", ErrInvalid, raw.Pipe.TNCPort)
		}
		cfg.Pipe.TNCPort = uint8(raw.Pipe.TNCPort)
	}

	t := &cfg.Transport
	if meta.IsDefined("transport", "compat") {
		t.Compat = raw.Transport.Compat
	}
	if meta.IsDefined("transport", "warmup_length") {
		t.WarmupLength = raw.Transport.WarmupLength
	}
	if meta.IsDefined("transport", "warmup_timeout") {
		t.WarmupTimeout = raw.Transport.WarmupTimeout.Duration
	}
	if meta.IsDefined("transport", "force_delay") {
		t.ForceDelay = raw.Transport.ForceDelay.Duration
	}
	if meta.IsDefined("transport", "compat_delay") {
		t.CompatDelay = raw.Transport.CompatDelay.Duration
	}
	if meta.IsDefined("transport", "max_retries") {
		t.MaxAttempts = raw.Transport.MaxRetries
	}
	if meta.IsDefined("transport", "reconnect_interval") {
		t.ReconnectInterval = raw.Transport.ReconnectInterval.Duration
	}

	s := &cfg.Session
	if meta.IsDefined("session", "blocksize") {
		s.BlockSize = raw.Session.BlockSize
	}
	if meta.IsDefined("session", "out_limit") {
		s.OutLimit = raw.Session.OutLimit
	}
	if meta.IsDefined("session", "idle_timeout") {
		s.IdleTimeout = raw.Session.IdleTimeout.Duration
	}
	if meta.IsDefined("session", "compress") {
		s.Compress = raw.Session.Compress
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = raw.Admin.CORSOrigins
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Station{}, fmt.Errorf("%w: log.level %q", ErrInvalid, raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}
	return cfg, nil
}

func Validate(cfg Station) error {
	if err := ValidateCallsign(cfg.Callsign); err != nil {
		return err
	}
	if err := ValidatePipe(cfg.Pipe); err != nil {
		return err
	}
	if err := ValidateSession(cfg.Session); err != nil {
		return err
	}
	if cfg.Transport.WarmupLength < 0 {
		return fmt.Errorf("%w: transport.warmup_length must not be negative", ErrInvalid)
	}
	if cfg.Transport.MaxAttempts < 0 {
		return fmt.Errorf("%w: transport.max_retries must not be negative", ErrInvalid)
	}
	return nil
}

// ValidateCallsign rejects callsigns that cannot fit the frame's station
// field.
func ValidateCallsign(call string) error {
	switch {
	case call == "":
		return fmt.Errorf("%w: callsign is required", ErrInvalid)
	case len(call) > frame.StationLen:
		return fmt.Errorf("%w: callsign %q longer than %d characters", ErrInvalid, call, frame.StationLen)
	case call == frame.Broadcast:
		return fmt.Errorf("%w: callsign cannot be %s", ErrInvalid, frame.Broadcast)
	case strings.ContainsAny(call, "~ !"):
		return fmt.Errorf("%w: callsign %q contains a reserved character", ErrInvalid, call)
	}
	return nil
}

func ValidatePipe(p PipeConfig) error {
	switch p.Kind {
	case PipeSocket, PipeKISSTCP:
		if p.Address == "" {
			return fmt.Errorf("%w: pipe.address is required for %s", ErrInvalid, p.Kind)
		}
	case PipeSerial, PipeKISS:
		if p.Address == "" {
			return fmt.Errorf("%w: pipe.address must name the serial device", ErrInvalid)
		}
		if p.Baud <= 0 {
			return fmt.Errorf("%w: pipe.baud must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown pipe.kind %q", ErrInvalid, p.Kind)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("%w: pipe.timeout must be positive", ErrInvalid)
	}
	return nil
}

func ValidateSession(s session.Config) error {
	if s.BlockSize < MinBlockSize || s.BlockSize > MaxBlockSize {
		return fmt.Errorf("%w: session.blocksize %d outside %d..%d", ErrInvalid, s.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if s.OutLimit <= 0 {
		return fmt.Errorf("%w: session.out_limit must be positive", ErrInvalid)
	}
	if s.IdleTimeout < 0 {
		return fmt.Errorf("%w: session.idle_timeout must not be negative", ErrInvalid)
	}
	return nil
}
