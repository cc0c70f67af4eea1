package client

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/luma/kvwire/transport"
)

type Config struct {
	Address string
	Port    int

	// Timeout applies to connecting and to every read and write.
	Timeout time.Duration

	// Password is sent with AUTH once the connection is established.
	Password string

	// Name is sent with CLIENT SETNAME once the connection is established.
	Name string

	TLS        bool
	ServerName string
	TLSConfig  *tls.Config
}

func (c Config) transportOptions(log *zap.Logger) transport.Options {
	return transport.Options{
		Address:    c.Address,
		Port:       c.Port,
		Timeout:    c.Timeout,
		TLS:        c.TLS,
		ServerName: c.ServerName,
		TLSConfig:  c.TLSConfig,
		Log:        log,
	}
}
