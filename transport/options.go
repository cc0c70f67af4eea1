package transport

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

type Options struct {
	// Address is the host name or IP of the server
	Address string

	// Port of the server
	Port int

	// Timeout bounds the connect, and each read and write on the stream.
	// Zero means DefaultTimeout.
	Timeout time.Duration

	// TLS enables transport security
	TLS bool

	// ServerName is checked against the server certificate. Defaults to Address.
	ServerName string

	// TLSConfig is cloned as the base for the handshake, e.g. to supply RootCAs.
	TLSConfig *tls.Config

	Log *zap.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}

	return o.Timeout
}

func (o Options) tlsConfig() *tls.Config {
	var conf *tls.Config
	if o.TLSConfig != nil {
		conf = o.TLSConfig.Clone()
	} else {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if conf.ServerName == "" {
		conf.ServerName = o.ServerName
	}

	if conf.ServerName == "" {
		conf.ServerName = o.Address
	}

	return conf
}
