package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY"`
	MaxRetries     int           `mapstructure:"MAX_RETRIES"`
	StageTimeout   time.Duration `mapstructure:"STAGE_TIMEOUT"`
	GraceTimeout   time.Duration `mapstructure:"GRACE_TIMEOUT"`

	WorkDir             string        `mapstructure:"WORK_DIR"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`

	FFBin        string `mapstructure:"FF_BIN"`
	FFprobeBin   string `mapstructure:"FFPROBE_BIN"`
	WhisperBin   string `mapstructure:"WHISPER_BIN"`
	TranslateURL string `mapstructure:"TRANSLATE_URL"`

	ChunkSize         int64   `mapstructure:"CHUNK_SIZE"`
	SlowRateThreshold int64   `mapstructure:"SLOW_RATE_THRESHOLD"`
	ThrottleCPU       float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem   int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk  int64   `mapstructure:"THROTTLE_FREEDISK"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"` // memory or redis
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		// It is a string -> time.Duration. Parse it.
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("MAX_CONCURRENCY", 3)
	vp.SetDefault("MAX_RETRIES", 3)
	vp.SetDefault("STAGE_TIMEOUT", "30m")
	vp.SetDefault("GRACE_TIMEOUT", "10s")
	vp.SetDefault("WORK_DIR", "")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "1h23m")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("WHISPER_BIN", "whisper-cli")
	vp.SetDefault("TRANSLATE_URL", "")
	vp.SetDefault("CHUNK_SIZE", "1MB")
	vp.SetDefault("SLOW_RATE_THRESHOLD", "64KB")
	vp.SetDefault("THROTTLE_CPU", 90.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("STORE_BACKEND", "memory")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("REDIS_PASSWORD", "")
	vp.SetDefault("REDIS_DB", 0)

	// Load from config file
	vp.SetConfigName("mediamill_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/mediamill/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("MEDIAMILL")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
