package config

import (
	"strconv"
	"time"
)

// applyEnv reads CHATD_* variables. Timeouts are whole seconds; values that
// do not parse are ignored.
func applyEnv(c *Config, getenv func(string) string) {
	if addr := getenv("CHATD_ADDR"); addr != "" {
		c.Addr = addr
	}

	if dbPath := getenv("CHATD_DB_PATH"); dbPath != "" {
		c.DBPath = dbPath
	}

	if sizeStr := getenv("CHATD_POOL_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil {
			c.PoolSize = size
		}
	}

	if timeoutStr := getenv("CHATD_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			c.ReadTimeout = time.Duration(timeout) * time.Second
		}
	}

	if timeoutStr := getenv("CHATD_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			c.WriteTimeout = time.Duration(timeout) * time.Second
		}
	}

	if timeoutStr := getenv("CHATD_RELAY_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			c.RelayTimeout = time.Duration(timeout) * time.Second
		}
	}

	if admins := getenv("CHATD_ADMINS"); admins != "" {
		c.Admins = splitList(admins)
	}

	if sock, ok := lookup(getenv, "CHATD_CONTROL_SOCKET"); ok {
		c.ControlSocket = sock
	}

	if level := getenv("CHATD_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if format := getenv("CHATD_LOG_FORMAT"); format != "" {
		c.LogFormat = format
	}
}

// lookup treats the literal "-" as an explicit empty value.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	switch v {
	case "":
		return "", false
	case "-":
		return "", true
	}
	return v, true
}
