package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/kvwire/devserver"
	"github.com/luma/kvwire/storage"
)

type serveFlags struct {
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for clients on
	port int

	listeners      int
	password       string
	tlsCert        string
	tlsKey         string
	keyspaceEvents bool
}

var serve serveFlags

func init() {
	flags := ServeCmd.Flags()

	flags.IntVarP(&serve.port, "port", "p", 6379, "The port to listen for client connections on")
	flags.StringVar(&serve.httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&serve.host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.IntVar(&serve.listeners, "listeners", 0, "Number of SO_REUSEPORT listeners, defaults to the number of CPUs")
	flags.StringVar(&serve.password, "password", "", "Require clients to AUTH with this password")
	flags.StringVar(&serve.tlsCert, "tls-cert", "", "PEM certificate file, enables TLS together with --tls-key")
	flags.StringVar(&serve.tlsKey, "tls-key", "", "PEM private key file")
	flags.BoolVar(&serve.keyspaceEvents, "keyspace-events", false, "Publish key changes on __keyspace@0__:<key>")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory development server",
	Long: `Run the in-memory development server

The server speaks the same protocol as the client and supports strings,
pub/sub and WATCH/MULTI/EXEC transactions. An HTTP side listener serves
/ping, /metrics and /backup.

Usage
	kvwire serve --port 6379 --http-port 7362

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signalContext(cmd.Context())
		defer signalStop()

		conf, log, err := setup(ctx)
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		tlsConfig, err := serve.tlsConfig()
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		metrics, err := devserver.NewMetrics(reg)
		if err != nil {
			return err
		}

		store := storage.NewInmemoryStore()
		defer store.Close()

		router := setupRouter(conf.DebugHTTP, log)
		routeStore(router, store)
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

		s := &http.Server{
			Addr:    net.JoinHostPort(serve.host, serve.httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		server := devserver.New(devserver.Options{
			Host:           serve.host,
			Port:           serve.port,
			Reuseport:      true,
			NumListeners:   serve.listeners,
			Store:          store,
			TLSConfig:      tlsConfig,
			Password:       serve.password,
			KeyspaceEvents: serve.keyspaceEvents,
			Metrics:        metrics,
			Log:            log.Named("devserver"),
		})

		if err := server.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.Stringer("addr", server.Addr()),
			zap.String("httpPort", serve.httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := server.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func (f serveFlags) tlsConfig() (*tls.Config, error) {
	if f.tlsCert == "" && f.tlsKey == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(f.tlsCert, f.tlsKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs every request except health checks, RFC3339 in UTC.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	return r
}

// routeStore exposes JSON snapshots of the store.
func routeStore(r *gin.Engine, store storage.Store) {
	r.GET("/backup", func(c *gin.Context) {
		backup, err := store.Backup()
		if err != nil {
			_ = c.Error(err)
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Data(http.StatusOK, "application/json", backup)
	})

	r.POST("/backup", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		if err := store.Restore(body); err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}

		c.Status(http.StatusNoContent)
	})
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
