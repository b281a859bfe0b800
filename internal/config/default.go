package config

import "github.com/spf13/viper"

// SetDefaults registers every Config field's default value on v before
// a config file or environment variables are layered on top.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 27017)
	v.SetDefault("dataDir", "./data")
	v.SetDefault("idleCursorTimeout", "30m")
	v.SetDefault("reaperInterval", "1m")
	v.SetDefault("maxBsonObjectSize", 16*1024*1024)
	v.SetDefault("maxMessageSizeBytes", 48*1024*1024)
	v.SetDefault("maxWriteBatchSize", 100000)
	v.SetDefault("facetConcurrency", 3)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logPath", "./mongosqld.log")
}
