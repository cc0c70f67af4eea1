package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/kvwire/client"
	"github.com/luma/kvwire/internal/env"
)

// clientFlags override the KVWIRE_* connection settings.
type clientFlags struct {
	address    string
	port       int
	timeout    time.Duration
	password   string
	tls        bool
	serverName string
	name       string
}

func (f *clientFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&f.address, "address", "a", "127.0.0.1", "Server host name or IP")
	flags.IntVarP(&f.port, "port", "p", 6379, "Server port")
	flags.DurationVar(&f.timeout, "timeout", 5*time.Second, "Connect, read and write timeout")
	flags.StringVar(&f.password, "password", "", "Password sent with AUTH")
	flags.BoolVar(&f.tls, "tls", false, "Connect with TLS")
	flags.StringVar(&f.serverName, "server-name", "", "Server name to verify, defaults to the address")
	flags.StringVar(&f.name, "name", "", "Connection name sent with CLIENT SETNAME")
}

// apply copies the flags that were set on the command line over conf.
func (f *clientFlags) apply(flags *pflag.FlagSet, conf *env.Config) {
	if flags.Changed("address") {
		conf.Address = f.address
	}
	if flags.Changed("port") {
		conf.Port = f.port
	}
	if flags.Changed("timeout") {
		conf.Timeout = f.timeout
	}
	if flags.Changed("password") {
		conf.Password = f.password
	}
	if flags.Changed("tls") {
		conf.TLS = f.tls
	}
	if flags.Changed("server-name") {
		conf.ServerName = f.serverName
	}
	if flags.Changed("name") {
		conf.ClientName = f.name
	}
}

var connFlags clientFlags

func init() {
	for _, cmd := range []*cobra.Command{PingCmd, PublishCmd, SubscribeCmd} {
		connFlags.register(cmd.Flags())
	}
}

// dial connects a client the way the command line and environment say.
func dial(ctx context.Context, cmd *cobra.Command) (*client.Conn, *zap.Logger, error) {
	conf, log, err := setup(ctx)
	if err != nil {
		return nil, nil, err
	}

	connFlags.apply(cmd.Flags(), conf)

	conn := client.New(log.Named("client"), nil)
	if err := conn.Connect(ctx, conf.ClientConfig()); err != nil {
		return nil, nil, err
	}

	return conn, log, nil
}

var PingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a server answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, log, err := dial(cmd.Context(), cmd)
		if err != nil {
			return err
		}

		defer func() {
			if err := conn.Close(); err != nil {
				log.Warn("Failed to close connection", zap.Error(err))
			}
		}()

		start := time.Now()
		if err := conn.Ping(); err != nil {
			return err
		}

		cmd.Printf("PONG from %s in %s\n", conn.Session().Addr(), time.Since(start))

		return nil
	},
}

var PublishCmd = &cobra.Command{
	Use:   "publish <channel> <message>",
	Short: "Publish a message on a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, log, err := dial(cmd.Context(), cmd)
		if err != nil {
			return err
		}

		defer func() {
			if err := conn.Close(); err != nil {
				log.Warn("Failed to close connection", zap.Error(err))
			}
		}()

		receivers, err := conn.Publish(args[0], args[1])
		if err != nil {
			return err
		}

		cmd.Printf("Delivered to %d subscriber(s)\n", receivers)

		return nil
	},
}

var SubscribeCmd = &cobra.Command{
	Use:   "subscribe <channel>...",
	Short: "Print messages published on channels until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signalContext(cmd.Context())
		defer signalStop()

		conn, log, err := dial(ctx, cmd)
		if err != nil {
			return err
		}

		pubsub := client.NewPubSub(conn)
		pubsub.AddListener(func(msg client.Message) {
			cmd.Printf("%s: %s\n", msg.Channel, msg.Payload)
		})

		if err := pubsub.Subscribe(args...); err != nil {
			return multiClose(err, conn)
		}

		log.Info("Waiting for messages", zap.Strings("channels", args))

		select {
		case <-ctx.Done():
			log.Info("Interrupted, unsubscribing")

			if err := pubsub.Unsubscribe(args...); err != nil {
				log.Warn("Unsubscribe was not confirmed", zap.Error(err))
			}

		case <-pubsub.Done():
			log.Warn("Connection lost")
		}

		return conn.Close()
	},
}

func multiClose(err error, conn *client.Conn) error {
	return multierr.Append(err, conn.Close())
}
