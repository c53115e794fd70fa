package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/code-payments/iap-bridge/model"
)

const (
	envPlatform         = "IAP_PLATFORM"
	envListenAddress    = "IAP_LISTEN_ADDRESS"
	envMetricsAddress   = "IAP_METRICS_ADDRESS"
	envDebug            = "IAP_DEBUG"
	envReceiptTTL       = "IAP_RECEIPT_TTL"
	envStreamBufferSize = "IAP_STREAM_BUFFER_SIZE"
	envStreamTimeout    = "IAP_STREAM_TIMEOUT"
	envStreamPingDelay  = "IAP_STREAM_PING_DELAY"
	envPackageName      = "IAP_SANDBOX_PACKAGE"
	envSandboxProducts  = "IAP_SANDBOX_PRODUCTS"
)

type Config struct {
	Platform       string
	ListenAddress  string
	MetricsAddress string
	Debug          bool

	ReceiptTTL time.Duration

	StreamBufferSize int
	StreamTimeout    time.Duration
	StreamPingDelay  time.Duration

	// Sandbox settings.
	PackageName     string
	SandboxProducts []string
}

func Default() *Config {
	return &Config{
		Platform:         "android",
		ListenAddress:    "localhost:8085",
		MetricsAddress:   "localhost:9095",
		ReceiptTTL:       time.Minute,
		StreamBufferSize: 64,
		StreamTimeout:    time.Second,
		StreamPingDelay:  5 * time.Second,
		PackageName:      "com.example.app",
	}
}

// Load reads the given .env files, falling back to ".env" in the working
// directory, and overlays the environment on the defaults. Missing files
// are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(envPlatform); ok {
		c.Platform = v
	}
	if v, ok := lookup(envListenAddress); ok {
		c.ListenAddress = v
	}
	if v, ok := lookup(envMetricsAddress); ok {
		c.MetricsAddress = v
	}
	if v, ok := lookup(envPackageName); ok {
		c.PackageName = v
	}
	if v, ok := lookup(envSandboxProducts); ok && v != "" {
		c.SandboxProducts = strings.Split(v, ",")
	}

	if v, ok := lookup(envDebug); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envDebug, err)
		}
		c.Debug = debug
	}
	if v, ok := lookup(envStreamBufferSize); ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envStreamBufferSize, err)
		}
		c.StreamBufferSize = size
	}

	for name, dst := range map[string]*time.Duration{
		envReceiptTTL:      &c.ReceiptTTL,
		envStreamTimeout:   &c.StreamTimeout,
		envStreamPingDelay: &c.StreamPingDelay,
	} {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
	}

	return nil
}

// BindFlags registers command line overrides. The current values are used as
// flag defaults, so flags take precedence over the environment.
func (c *Config) BindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Platform, "platform", c.Platform, "vendor platform (android or ios)")
	flags.StringVar(&c.ListenAddress, "listen", c.ListenAddress, "gRPC listen address")
	flags.StringVar(&c.MetricsAddress, "metrics", c.MetricsAddress, "metrics listen address, empty to disable")
	flags.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
	flags.DurationVar(&c.ReceiptTTL, "receipt-ttl", c.ReceiptTTL, "how long a read receipt is reused")
	flags.IntVar(&c.StreamBufferSize, "stream-buffer", c.StreamBufferSize, "events buffered per stream")
	flags.DurationVar(&c.StreamTimeout, "stream-timeout", c.StreamTimeout, "time a stream may block before it is closed")
	flags.DurationVar(&c.StreamPingDelay, "stream-ping", c.StreamPingDelay, "delay between stream pings")
	flags.StringVar(&c.PackageName, "package", c.PackageName, "sandbox application package name")
	flags.StringSliceVar(&c.SandboxProducts, "product", c.SandboxProducts, "sandbox catalog entry id:price:currency[:period]")
}

func (c *Config) Validate() error {
	if _, ok := model.ParsePlatform(c.Platform); !ok {
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.ListenAddress == "" {
		return errors.New("listen address is required")
	}
	if c.ReceiptTTL <= 0 {
		return errors.New("receipt ttl must be positive")
	}
	if c.StreamBufferSize <= 0 {
		return errors.New("stream buffer size must be positive")
	}
	if c.StreamTimeout <= 0 || c.StreamPingDelay <= 0 {
		return errors.New("stream timeout and ping delay must be positive")
	}
	if _, err := c.Catalog(); err != nil {
		return err
	}
	return nil
}

// PlatformValue returns the parsed platform. It must only be called on a
// validated config.
func (c *Config) PlatformValue() model.Platform {
	p, _ := model.ParsePlatform(c.Platform)
	return p
}

// Catalog parses the sandbox products. Entries have the form
// id:price:currency, with an optional ISO 8601 period such as P1M for
// subscriptions.
func (c *Config) Catalog() ([]*model.Product, error) {
	products := make([]*model.Product, 0, len(c.SandboxProducts))
	for _, entry := range c.SandboxProducts {
		p, err := parseProduct(strings.TrimSpace(entry))
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

func parseProduct(entry string) (*model.Product, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, fmt.Errorf("invalid product %q", entry)
	}

	amount, err := decimal.NewFromString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid price in product %q: %w", entry, err)
	}

	p := &model.Product{
		ID:    parts[0],
		Title: parts[0],
		Type:  model.ProductTypeOneTime,
		Price: model.Price{Amount: amount, Currency: strings.ToUpper(parts[2])},
	}

	if len(parts) == 4 {
		period, err := model.ParsePeriod(parts[3])
		if err != nil {
			return nil, fmt.Errorf("invalid product %q: %w", entry, err)
		}
		p.Type = model.ProductTypeSubscription
		p.SubscriptionPeriod = period
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
