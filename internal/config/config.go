package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"

	"chat-relay/internal/fanout"
)

// Component names a deployable process; each needs a different subset of the
// configuration.
type Component int

const (
	REST Component = iota
	WebSocket
	Broadcast
	DevServer
)

type Config struct {
	Stage    string `env:"STAGE,default=dev"`
	Version  string `env:"APP_VERSION,default=dev"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	Region   string `env:"AWS_REGION"`

	ParamPrefix string `env:"PARAM_PREFIX"`

	MessagesTable    string `env:"CHAT_MESSAGES_TABLE"`
	IdempotencyTable string `env:"IDEMPOTENCY_TABLE"`
	ConnectionsTable string `env:"CONNECTIONS_TABLE"`
	RoomsTable       string `env:"CHAT_ROOMS_TABLE"`
	RoomIndex        string `env:"CONNECTIONS_ROOM_INDEX,default=room-index"`
	DynamoDBEndpoint string `env:"DYNAMODB_ENDPOINT"`

	WSAPIID    string `env:"WS_API_ID"`
	WSStage    string `env:"WS_STAGE"`
	WSEndpoint string `env:"WS_ENDPOINT"`

	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH,default=500"`
	ConnectionTTL    time.Duration `env:"CONNECTION_TTL,default=24h"`

	FanoutMaxConcurrency   int           `env:"FANOUT_MAX_CONCURRENCY,default=50"`
	FanoutDeliveryTimeout  time.Duration `env:"FANOUT_DELIVERY_TIMEOUT,default=3s"`
	FanoutLookupTimeout    time.Duration `env:"FANOUT_LOOKUP_TIMEOUT,default=5s"`
	FanoutDeliveryAttempts int           `env:"FANOUT_DELIVERY_ATTEMPTS,default=3"`
	FanoutRetryBaseDelay   time.Duration `env:"FANOUT_RETRY_BASE_DELAY,default=100ms"`
	FanoutRetryMaxDelay    time.Duration `env:"FANOUT_RETRY_MAX_DELAY,default=1s"`
	FanoutRatePerSec       int           `env:"FANOUT_RATE_PER_SEC,default=0"`

	DevAddr  string `env:"DEV_ADDR,default=:8080"`
	DevRooms string `env:"DEV_ROOMS"`
}

// ParamLoader reads every parameter under a path prefix, keyed relative to it.
type ParamLoader interface {
	GetByPath(ctx context.Context, prefix string) (map[string]string, error)
}

// WithParams re-reads the configuration with the parameters stored under
// ParamPrefix layered over environ. Parameter "fanout/max_concurrency"
// overrides FANOUT_MAX_CONCURRENCY.
func (c Config) WithParams(ctx context.Context, loader ParamLoader, environ []string) (Config, error) {
	if strings.TrimSpace(c.ParamPrefix) == "" || loader == nil {
		return c, nil
	}
	values, err := loader.GetByPath(ctx, c.ParamPrefix)
	if err != nil {
		return Config{}, fmt.Errorf("config: load parameters: %w", err)
	}
	return parse(environ, values)
}

func parse(environ []string, overrides map[string]string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("config: read environment: %w", err)
	}
	for name, value := range overrides {
		es[EnvKey(name)] = value
	}

	var c Config
	if _, err := env.Unmarshal(es, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.Stage = strings.TrimSpace(c.Stage)
	return c, nil
}

// EnvKey maps a parameter name to the environment variable it overrides.
func EnvKey(name string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return strings.ToUpper(r.Replace(strings.Trim(name, "/")))
}

// Validate checks that everything comp needs is set.
func (c Config) Validate(comp Component) error {
	var missing []string
	need := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	switch comp {
	case REST:
		need(c.MessagesTable, "CHAT_MESSAGES_TABLE")
		need(c.IdempotencyTable, "IDEMPOTENCY_TABLE")
		need(c.RoomsTable, "CHAT_ROOMS_TABLE")
	case WebSocket:
		need(c.ConnectionsTable, "CONNECTIONS_TABLE")
		need(c.RoomsTable, "CHAT_ROOMS_TABLE")
	case Broadcast:
		need(c.ConnectionsTable, "CONNECTIONS_TABLE")
		if c.WSEndpoint == "" {
			need(c.WSAPIID, "WS_API_ID")
			need(c.WSStage, "WS_STAGE")
		}
	case DevServer:
		need(c.MessagesTable, "CHAT_MESSAGES_TABLE")
		need(c.IdempotencyTable, "IDEMPOTENCY_TABLE")
		need(c.ConnectionsTable, "CONNECTIONS_TABLE")
		need(c.RoomsTable, "CHAT_ROOMS_TABLE")
	default:
		return fmt.Errorf("config: unknown component %d", comp)
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}
	if c.MaxMessageLength <= 0 {
		return errors.New("config: MAX_MESSAGE_LENGTH must be positive")
	}
	return nil
}

// Fanout returns the delivery tuning for the fanout engine.
func (c Config) Fanout() fanout.Config {
	return fanout.Config{
		MaxConcurrency:   c.FanoutMaxConcurrency,
		DeliveryTimeout:  c.FanoutDeliveryTimeout,
		LookupTimeout:    c.FanoutLookupTimeout,
		DeliveryAttempts: c.FanoutDeliveryAttempts,
		RetryBaseDelay:   c.FanoutRetryBaseDelay,
		RetryMaxDelay:    c.FanoutRetryMaxDelay,
		RatePerSec:       c.FanoutRatePerSec,
	}
}

// Rooms lists the rooms the dev server seeds.
func (c Config) Rooms() []string {
	raw := c.DevRooms
	if strings.TrimSpace(raw) == "" {
		raw = "general,random"
	}
	var rooms []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			rooms = append(rooms, r)
		}
	}
	return rooms
}

// Logger builds the process logger: JSON for CloudWatch, text for a terminal.
func (c Config) Logger(w io.Writer, text bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if text {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With(slog.String("stage", c.Stage))
}
