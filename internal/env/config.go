package env

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/kvwire/client"
)

type Config struct {
	Address    string        `env:"KVWIRE_ADDRESS,default=127.0.0.1"`
	Port       int           `env:"KVWIRE_PORT,default=6379"`
	Timeout    time.Duration `env:"KVWIRE_TIMEOUT,default=5s"`
	Password   string        `env:"KVWIRE_PASSWORD"`
	TLS        bool          `env:"KVWIRE_TLS"`
	ServerName string        `env:"KVWIRE_SERVER_NAME"`
	ClientName string        `env:"KVWIRE_CLIENT_NAME"`

	LogLevel  string `env:"KVWIRE_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"KVWIRE_DEBUG_HTTP"`
}

// LoadConfig reads the config from the environment, after loading
// .env.local when one exists.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env.local: %w", err)
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ClientConfig is the connection config for a client.Conn.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		Address:    c.Address,
		Port:       c.Port,
		Timeout:    c.Timeout,
		Password:   c.Password,
		Name:       c.ClientName,
		TLS:        c.TLS,
		ServerName: c.ServerName,
	}
}
