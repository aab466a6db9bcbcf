package settings

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables overriding the loaded values, e.g. SOFIE_PORT or
// SOFIE_SECURITY_CERT_PATH.
const EnvPrefix = "SOFIE"

// Load reads settings from the file at path. The format is derived from the file extension
// (yaml, json, toml and others supported by viper). Values missing in the file are taken from
// Default(); environment variables take precedence over the file. An empty path skips the file
// and reads the environment only.
func Load(path string) (Settings, error) {
	v := newViper()

	if len(path) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(decodeHook())); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	s = Fill(s)

	return s, s.Validate()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("port", d.Port)
	v.SetDefault("interface", d.Interface)
	v.SetDefault("net.read_buffer_size", d.NET.ReadBufferSize)
	v.SetDefault("net.read_timeout", d.NET.ReadTimeout)
	v.SetDefault("net.handshake_timeout", d.NET.HandshakeTimeout)
	v.SetDefault("headers.max_number", d.Headers.MaxNumber)
	v.SetDefault("headers.max_space", d.Headers.MaxSpace)
	v.SetDefault("url.max_length", d.URL.MaxLength)
	v.SetDefault("body.max_size", d.Body.MaxSize)
	v.SetDefault("body.max_chunk_size", d.Body.MaxChunkSize)
	v.SetDefault("shutdown.grace_period", d.Shutdown.GracePeriod)

	// optional sections have no defaults, so environment overrides must be bound explicitly
	_ = v.BindEnv("security.cert_path")
	_ = v.BindEnv("security.key_path")
	_ = v.BindEnv("auto_tls.domains")
	_ = v.BindEnv("auto_tls.cache_dir")

	return v
}

// decodeHook lets durations be written as "30s" and lists (e.g. SOFIE_AUTO_TLS_DOMAINS) as
// comma-separated strings.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
