package devserver

import (
	"crypto/tls"

	"go.uber.org/zap"

	"github.com/luma/kvwire/storage"
)

type Options struct {
	Host string

	// Port to listen on, zero picks a free port. See Server.Addr.
	Port int

	// Reuseport binds NumListeners sockets to the same address with SO_REUSEPORT.
	Reuseport    bool
	NumListeners int

	// Store defaults to a fresh in-memory store owned by the server.
	Store storage.Store

	// TLSConfig enables TLS on every listener.
	TLSConfig *tls.Config

	// Password, when set, must be sent with AUTH before any other command.
	Password string

	// KeyspaceEvents publishes every store update on __keyspace@0__:<key>.
	KeyspaceEvents bool

	// Metrics may be nil.
	Metrics *Metrics

	Log *zap.Logger
}
