// Package config declares the full flag and environment surface of
// quizmeshd. Flags override environment variables; every knob has a
// QUIZMESH_* mirror so fleet deployments can configure instances without
// argv.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
)

// InstanceConfig identifies this process within the fleet.
type InstanceConfig struct {
	ID string `long:"id" env:"ID" description:"Unique instance id (defaults to the hostname)"`
}

// HTTPConfig bounds the shared listener.
type HTTPConfig struct {
	Addr            string       `long:"addr" env:"ADDR" default:":8080" description:"HTTP listen address"`
	ReadTimeout     time.Duration `long:"read-timeout" env:"READ_TIMEOUT" default:"15s" description:"Request read timeout"`
	IdleTimeout     time.Duration `long:"idle-timeout" env:"IDLE_TIMEOUT" default:"60s" description:"Keep-alive idle timeout"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"30s" description:"Grace period for in-flight requests on shutdown"`
}

// RedisConfig locates the shared backend.
type RedisConfig struct {
	Addr      string        `long:"addr" env:"ADDR" default:"localhost:6379" description:"Redis host:port"`
	Password  string        `long:"password" env:"PASSWORD" description:"Redis password"`
	DB        int           `long:"db" env:"DB" default:"0" description:"Redis database number"`
	OpTimeout time.Duration `long:"op-timeout" env:"OP_TIMEOUT" default:"2s" validate:"gt=0" description:"Timeout for one leaderboard operation"`
}

// BusConfig selects the event fabric.
type BusConfig struct {
	Backend string `long:"backend" env:"BACKEND" default:"redis" choice:"redis" choice:"memory" description:"Event bus backend; memory is single-instance only"`
}

// GatewayConfig tunes the WebSocket layer.
type GatewayConfig struct {
	SendBuffer        int          `long:"send-buffer" env:"SEND_BUFFER" default:"32" validate:"min=1" description:"Outbound frames queued per session"`
	WriteTimeout      time.Duration `long:"write-timeout" env:"WRITE_TIMEOUT" default:"10s" validate:"gt=0" description:"Per-frame socket write timeout"`
	MaxMessageBytes   int64        `long:"max-message-bytes" env:"MAX_MESSAGE_BYTES" default:"4096" validate:"min=256" description:"Largest accepted inbound frame"`
	HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" default:"30s" validate:"gt=0" description:"Expected client heartbeat cadence"`
	StaleMultiplier   int          `long:"stale-multiplier" env:"STALE_MULTIPLIER" default:"2" validate:"min=1" description:"Missed heartbeats before a session is stale"`
	SweepInterval     time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"60s" validate:"gt=0" description:"How often stale sessions are swept"`
	ShutdownGrace     time.Duration `long:"shutdown-grace" env:"SHUTDOWN_GRACE" default:"5s" validate:"gt=0" description:"Drain window for open sessions on shutdown"`
}

// RateLimitConfig shapes per-session inbound traffic.
type RateLimitConfig struct {
	Capacity     int          `long:"capacity" env:"CAPACITY" default:"10" validate:"min=1" description:"Token bucket capacity per session"`
	RefillTokens int          `long:"refill-tokens" env:"REFILL_TOKENS" default:"5" validate:"min=1" description:"Tokens restored per refill period"`
	RefillPeriod time.Duration `long:"refill-period" env:"REFILL_PERIOD" default:"1s" validate:"gt=0" description:"Refill period"`
}

// BreakerConfig tunes the backend circuit breaker and its prober.
type BreakerConfig struct {
	WindowSize           int          `long:"window-size" env:"WINDOW_SIZE" default:"10" validate:"min=1" description:"Call outcomes kept in the sliding window"`
	MinCalls             int          `long:"min-calls" env:"MIN_CALLS" default:"5" validate:"min=1" description:"Calls observed before the failure rate is evaluated"`
	FailureRateThreshold float64      `long:"failure-rate" env:"FAILURE_RATE" default:"0.5" validate:"gt=0,lte=1" description:"Failure fraction that trips the breaker"`
	OpenDuration         time.Duration `long:"open-duration" env:"OPEN_DURATION" default:"30s" validate:"gt=0" description:"Cooldown before an open breaker admits probes"`
	HalfOpenProbes       int          `long:"half-open-probes" env:"HALF_OPEN_PROBES" default:"3" validate:"min=1" description:"Trial calls admitted when half-open"`
	ProbeInterval        time.Duration `long:"probe-interval" env:"PROBE_INTERVAL" default:"10s" validate:"gt=0" description:"Backend liveness probe cadence"`
	ProbeTimeout         time.Duration `long:"probe-timeout" env:"PROBE_TIMEOUT" default:"2s" validate:"gt=0" description:"Timeout for one liveness probe"`
}

// BroadcastConfig shapes leaderboard fan-out.
type BroadcastConfig struct {
	TopN int `long:"top-n" env:"TOP_N" default:"10" validate:"min=1" description:"Leaderboard entries per broadcast"`
}

// QuestionConfig points at optional question content. A given file is
// watched and hot-reloaded on change.
type QuestionConfig struct {
	File string `long:"file" env:"FILE" description:"Optional TOML or YAML question file, hot-reloaded on change"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	Format string `long:"format" env:"FORMAT" default:"json" choice:"json" choice:"console" description:"Log output format"`
}

// NewLogger builds the process logger for this configuration.
func (c LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = w
	if c.Format == "console" {
		out = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Config is the root of the quizmeshd configuration tree.
type Config struct {
	Instance  InstanceConfig  `group:"Instance" namespace:"instance" env-namespace:"QUIZMESH_INSTANCE"`
	HTTP      HTTPConfig      `group:"HTTP" namespace:"http" env-namespace:"QUIZMESH_HTTP"`
	Redis     RedisConfig     `group:"Redis" namespace:"redis" env-namespace:"QUIZMESH_REDIS"`
	Bus       BusConfig       `group:"Event bus" namespace:"bus" env-namespace:"QUIZMESH_BUS"`
	Gateway   GatewayConfig   `group:"Gateway" namespace:"ws" env-namespace:"QUIZMESH_WS"`
	RateLimit RateLimitConfig `group:"Rate limiting" namespace:"ratelimit" env-namespace:"QUIZMESH_RATELIMIT"`
	Breaker   BreakerConfig   `group:"Circuit breaker" namespace:"breaker" env-namespace:"QUIZMESH_BREAKER"`
	Broadcast BroadcastConfig `group:"Broadcast" namespace:"broadcast" env-namespace:"QUIZMESH_BROADCAST"`
	Questions QuestionConfig  `group:"Questions" namespace:"questions" env-namespace:"QUIZMESH_QUESTIONS"`
	Log       LogConfig       `group:"Logging" namespace:"log" env-namespace:"QUIZMESH_LOG"`
}

// Load parses args, fills gaps from the environment and defaults, and
// validates the result. Pass os.Args[1:] in main.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		// Help output is not a configuration failure.
		if flags.WroteHelp(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WroteHelp reports whether Load stopped because --help printed usage, so
// main can exit cleanly instead of treating it as a failure.
func WroteHelp(err error) bool {
	return flags.WroteHelp(err)
}

// Validate enforces the constraints the flag parser cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "quizmesh-" + uuid.NewString()[:8]
	}
	return host
}
