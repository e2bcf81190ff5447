package master

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/pyropy/chunkbalancer/core/event"
	"github.com/pyropy/chunkbalancer/core/policy"
)

type Config struct {
	Server struct {
		Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
		Port int    `envconfig:"SERVER_PORT" default:"1234"`
	}
	Metrics struct {
		Addr string `envconfig:"METRICS_ADDR" default:":9100"`
	}
	Store struct {
		Path string `envconfig:"STORE_PATH" default:"./data"`
	}
	Zones struct {
		File string `envconfig:"ZONE_FILE"`
	}
	Balancer struct {
		Enabled                       bool          `envconfig:"BALANCER_ENABLED" default:"true"`
		Interval                      time.Duration `envconfig:"BALANCER_INTERVAL" default:"10s"`
		Aggressive                    bool          `envconfig:"BALANCER_AGGRESSIVE"`
		Objective                     string        `envconfig:"BALANCER_OBJECTIVE" default:"cpu"`
		MaxMovesPerRound              int           `envconfig:"BALANCER_MAX_MOVES" default:"4"`
		MinCPUGap                     float64       `envconfig:"BALANCER_MIN_CPU_GAP" default:"0.2"`
		AggressiveCPUGap              float64       `envconfig:"BALANCER_AGGRESSIVE_CPU_GAP" default:"0.05"`
		ChunkCountThreshold           int           `envconfig:"BALANCER_CHUNK_COUNT_THRESHOLD" default:"2"`
		AggressiveChunkCountThreshold int           `envconfig:"BALANCER_AGGRESSIVE_CHUNK_COUNT_THRESHOLD" default:"8"`
		MaxChunkSizeBytes             int64         `envconfig:"BALANCER_MAX_CHUNK_SIZE_BYTES" default:"67108864"`
	}
	Health struct {
		Interval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
	}
	Retry struct {
		Base        time.Duration `envconfig:"PERSIST_RETRY_BASE" default:"50ms"`
		Cap         time.Duration `envconfig:"PERSIST_RETRY_CAP" default:"5s"`
		MaxAttempts int           `envconfig:"PERSIST_RETRY_MAX_ATTEMPTS" default:"0"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		MinCPUGap:                     c.Balancer.MinCPUGap,
		AggressiveCPUGap:              c.Balancer.AggressiveCPUGap,
		ChunkCountThreshold:           c.Balancer.ChunkCountThreshold,
		AggressiveChunkCountThreshold: c.Balancer.AggressiveChunkCountThreshold,
		MaxMovesPerRound:              c.Balancer.MaxMovesPerRound,
	}
}

func (c *Config) RetryPolicy() event.RetryPolicy {
	return event.RetryPolicy{
		Base:        c.Retry.Base,
		Cap:         c.Retry.Cap,
		Multiplier:  2,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}
