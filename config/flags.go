package config

import (
	"flag"
	"io"
	"strings"
	"time"
)

// flagValues keeps parsed command-line values together with the set of flags
// that were given explicitly, so only those override earlier layers.
type flagValues struct {
	configFile string

	addr          string
	dbPath        string
	poolSize      int
	readTimeout   time.Duration
	writeTimeout  time.Duration
	relayTimeout  time.Duration
	maxFrameSize  int
	rsaKeyBits    int
	entropy       float64
	admins        string
	controlSocket string
	logLevel      string
	logFormat     string

	set map[string]bool
}

// parseFlags understands:
//
//	-c, -config string   JSON config file
//	-a string            listen address, e.g. ":7777"
//	-d string            SQLite database path
//	-p int               connection pool size
//	-r duration          idle read timeout
//	-w duration          write timeout
//	-t duration          relay (peer push) timeout
//	-m int               max frame size, bytes
//	-k int               RSA key size, bits
//	-e float             minimum password entropy
//	-admins string       comma separated admin logins
//	-control string      control socket path ("" disables it)
//	-log-level string
//	-log-format string   text or json
func parseFlags(args []string) (*flagValues, error) {
	v := &flagValues{set: make(map[string]bool)}

	fs := flag.NewFlagSet("chatd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&v.configFile, "config", "", "path to JSON config file")
	fs.StringVar(&v.configFile, "c", "", "path to JSON config file (short)")
	fs.StringVar(&v.addr, "a", "", "listen address")
	fs.StringVar(&v.dbPath, "d", "", "database path")
	fs.IntVar(&v.poolSize, "p", 0, "connection pool size")
	fs.DurationVar(&v.readTimeout, "r", 0, "idle read timeout")
	fs.DurationVar(&v.writeTimeout, "w", 0, "write timeout")
	fs.DurationVar(&v.relayTimeout, "t", 0, "relay timeout")
	fs.IntVar(&v.maxFrameSize, "m", 0, "max frame size in bytes")
	fs.IntVar(&v.rsaKeyBits, "k", 0, "rsa key size in bits")
	fs.Float64Var(&v.entropy, "e", 0, "minimum password entropy")
	fs.StringVar(&v.admins, "admins", "", "comma separated admin logins")
	fs.StringVar(&v.controlSocket, "control", "", "control socket path")
	fs.StringVar(&v.logLevel, "log-level", "", "log level")
	fs.StringVar(&v.logFormat, "log-format", "", "log format")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) { v.set[f.Name] = true })
	return v, nil
}

func (v *flagValues) apply(c *Config) {
	if v.set["a"] {
		c.Addr = v.addr
	}
	if v.set["d"] {
		c.DBPath = v.dbPath
	}
	if v.set["p"] {
		c.PoolSize = v.poolSize
	}
	if v.set["r"] {
		c.ReadTimeout = v.readTimeout
	}
	if v.set["w"] {
		c.WriteTimeout = v.writeTimeout
	}
	if v.set["t"] {
		c.RelayTimeout = v.relayTimeout
	}
	if v.set["m"] {
		c.MaxFrameSize = v.maxFrameSize
	}
	if v.set["k"] {
		c.RSAKeyBits = v.rsaKeyBits
	}
	if v.set["e"] {
		c.MinPasswordEntropy = v.entropy
	}
	if v.set["admins"] {
		c.Admins = splitList(v.admins)
	}
	if v.set["control"] {
		c.ControlSocket = v.controlSocket
	}
	if v.set["log-level"] {
		c.LogLevel = v.logLevel
	}
	if v.set["log-format"] {
		c.LogFormat = v.logFormat
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
