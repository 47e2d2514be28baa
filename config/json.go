package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration accepts both "30s"-style strings and integer nanoseconds in JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// JsonConfig is the on-disk shape of the config file. Absent fields keep
// the values of the previous layer.
type JsonConfig struct {
	Addr               *string   `json:"addr"`
	DBPath             *string   `json:"db_path"`
	PoolSize           *int      `json:"pool_size"`
	ReadTimeout        *Duration `json:"read_timeout"`
	WriteTimeout       *Duration `json:"write_timeout"`
	RelayTimeout       *Duration `json:"relay_timeout"`
	MaxFrameSize       *int      `json:"max_frame_size"`
	RSAKeyBits         *int      `json:"rsa_key_bits"`
	MinPasswordEntropy *float64  `json:"min_password_entropy"`
	HistoryLimit       *int      `json:"history_limit"`
	Admins             []string  `json:"admins"`
	ControlSocket      *string   `json:"control_socket"`
	LogLevel           *string   `json:"log_level"`
	LogFormat          *string   `json:"log_format"`
}

func applyJSON(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var j JsonConfig
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if j.Addr != nil {
		c.Addr = *j.Addr
	}
	if j.DBPath != nil {
		c.DBPath = *j.DBPath
	}
	if j.PoolSize != nil {
		c.PoolSize = *j.PoolSize
	}
	if j.ReadTimeout != nil {
		c.ReadTimeout = j.ReadTimeout.Duration
	}
	if j.WriteTimeout != nil {
		c.WriteTimeout = j.WriteTimeout.Duration
	}
	if j.RelayTimeout != nil {
		c.RelayTimeout = j.RelayTimeout.Duration
	}
	if j.MaxFrameSize != nil {
		c.MaxFrameSize = *j.MaxFrameSize
	}
	if j.RSAKeyBits != nil {
		c.RSAKeyBits = *j.RSAKeyBits
	}
	if j.MinPasswordEntropy != nil {
		c.MinPasswordEntropy = *j.MinPasswordEntropy
	}
	if j.HistoryLimit != nil {
		c.HistoryLimit = *j.HistoryLimit
	}
	if j.Admins != nil {
		c.Admins = j.Admins
	}
	if j.ControlSocket != nil {
		c.ControlSocket = *j.ControlSocket
	}
	if j.LogLevel != nil {
		c.LogLevel = *j.LogLevel
	}
	if j.LogFormat != nil {
		c.LogFormat = *j.LogFormat
	}
	return nil
}
