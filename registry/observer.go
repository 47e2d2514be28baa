package registry

import (
	"context"

	"chatd/logging"
)

// LogObserver reports session changes as log lines.
type LogObserver struct {
	log logging.Logger
}

func NewLogObserver(log logging.Logger) *LogObserver {
	return &LogObserver{log: log}
}

func (o *LogObserver) UserConnected(login, addr string) {
	o.log.Info(context.Background(), "user connected", "login", login, "remote", addr)
}

func (o *LogObserver) UserDisconnected(login string) {
	o.log.Info(context.Background(), "user disconnected", "login", login)
}
