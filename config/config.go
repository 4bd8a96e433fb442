package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Harness HarnessConfig `mapstructure:"harness"`
	Log     LogConfig     `mapstructure:"log"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Token   TokenConfig   `mapstructure:"token"`
}

type HarnessConfig struct {
	Verbose        bool          `mapstructure:"verbose"`
	AdvanceTimeout time.Duration `mapstructure:"advance_timeout"` // real time budget of AdvanceUntil / AdvanceToLatest
	PollInterval   time.Duration `mapstructure:"poll_interval"`   // passive runners re-check the log at least this often
	ScriptTimeout  time.Duration `mapstructure:"script_timeout"`  // per-call limit inside the game VM
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // console | json
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type TokenConfig struct {
	// Secret signs play tokens. Empty means a random secret per play manager.
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("harness.verbose", false)
	v.SetDefault("harness.advance_timeout", "5s")
	v.SetDefault("harness.poll_interval", "5ms")
	v.SetDefault("harness.script_timeout", "5s")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("token.ttl", "24h")
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// defaults are static; a decode failure is a programming error
		panic(err)
	}
	return cfg
}
