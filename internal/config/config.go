// Package config holds the server's configuration structure, loaded
// via viper with mapstructure tags, split between a Config struct and a
// companion defaults file.
package config

import (
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config is the top-level server configuration.
type Config struct {
	Host                string        `json:"host" yaml:"host" mapstructure:"host"`
	Port                uint32        `json:"port" yaml:"port" mapstructure:"port"`
	DataDir             string        `json:"dataDir" yaml:"dataDir" mapstructure:"dataDir"`
	IdleCursorTimeout   time.Duration `json:"idleCursorTimeout" yaml:"idleCursorTimeout" mapstructure:"idleCursorTimeout"`
	ReaperInterval      time.Duration `json:"reaperInterval" yaml:"reaperInterval" mapstructure:"reaperInterval"`
	MaxBsonObjectSize   int64         `json:"maxBsonObjectSize" yaml:"maxBsonObjectSize" mapstructure:"maxBsonObjectSize"`
	MaxMessageSizeBytes int32         `json:"maxMessageSizeBytes" yaml:"maxMessageSizeBytes" mapstructure:"maxMessageSizeBytes"`
	MaxWriteBatchSize   int           `json:"maxWriteBatchSize" yaml:"maxWriteBatchSize" mapstructure:"maxWriteBatchSize"`
	FacetConcurrency    int           `json:"facetConcurrency" yaml:"facetConcurrency" mapstructure:"facetConcurrency"`
	LogLevel            string        `json:"logLevel" yaml:"logLevel" mapstructure:"logLevel"`
	LogPath             string        `json:"logPath" yaml:"logPath" mapstructure:"logPath"`
}

// Load reads configuration from defaults, the optional config file at
// path (if non-empty), and environment variables prefixed MONGOSQLD_,
// in increasing order of precedence ending with explicit env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("MONGOSQLD")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnsureDataDir creates cfg.DataDir (and any missing parents) on fs if it
// does not already exist. Taking an afero.Fs rather than calling os.MkdirAll
// directly lets callers substitute afero.NewMemMapFs() in tests instead of
// touching the real filesystem.
func EnsureDataDir(fs afero.Fs, cfg Config) error {
	return fs.MkdirAll(cfg.DataDir, 0o755)
}
