// Package config reads node settings from the environment, optionally
// seeded from a .env file.
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

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
)

type Config struct {
	ListenAddr    string
	AdvertiseAddr string
	AdminAddr     string
	Seeds         []string
	// NodeAddress pins the overlay address; empty picks a random one.
	NodeAddress string

	EtcdEndpoints []string
	EtcdPrefix    string
	LeaseTTL      int64 // seconds

	// TargetNeighbors caps how many registered nodes discovery dials.
	TargetNeighbors int

	HopPatience      time.Duration
	GraceWindow      time.Duration
	HopTimeout       time.Duration
	HandshakeTimeout time.Duration
	TrimInterval     time.Duration
	ResultTTL        time.Duration
	ResultCapacity   int
	InboxSize        int

	Log logging.Config
}

func Default() Config {
	return Config{
		ListenAddr:       ":7946",
		AdminAddr:        ":8080",
		EtcdPrefix:       "/zephyrmesh/nodes/",
		LeaseTTL:         10,
		TargetNeighbors:  3,
		HopPatience:      500 * time.Millisecond,
		GraceWindow:      10 * time.Second,
		HopTimeout:       30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		TrimInterval:     30 * time.Second,
		ResultTTL:        time.Minute,
		ResultCapacity:   1 << 16,
		InboxSize:        1024,
		Log: logging.Config{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load applies the given env files, or .env when present, and then reads
// the environment over the defaults. Every malformed variable is reported.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", strings.Join(files, ","), err)
	}

	c := Default()
	p := &parser{}
	p.str("LISTEN_ADDR", &c.ListenAddr)
	p.str("ADVERTISE_ADDR", &c.AdvertiseAddr)
	p.str("ADMIN_ADDR", &c.AdminAddr)
	p.list("SEEDS", &c.Seeds)
	p.str("NODE_ADDRESS", &c.NodeAddress)
	p.list("ETCD_ENDPOINTS", &c.EtcdEndpoints)
	p.str("ETCD_PREFIX", &c.EtcdPrefix)
	p.int64("LEASE_TTL", &c.LeaseTTL)
	p.int("TARGET_NEIGHBORS", &c.TargetNeighbors)
	p.duration("HOP_PATIENCE", &c.HopPatience)
	p.duration("GRACE_WINDOW", &c.GraceWindow)
	p.duration("HOP_TIMEOUT", &c.HopTimeout)
	p.duration("HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	p.duration("TRIM_INTERVAL", &c.TrimInterval)
	p.duration("RESULT_TTL", &c.ResultTTL)
	p.int("RESULT_CAPACITY", &c.ResultCapacity)
	p.int("INBOX_SIZE", &c.InboxSize)
	p.str("LOG_LEVEL", &c.Log.Level)
	p.str("LOG_FILE_PATH", &c.Log.FilePath)
	p.int("LOG_MAX_SIZE", &c.Log.MaxSize)
	p.int("LOG_MAX_BACKUPS", &c.Log.MaxBackups)
	p.int("LOG_MAX_AGE", &c.Log.MaxAge)
	p.bool("LOG_COMPRESS", &c.Log.Compress)
	c.Log.Development = os.Getenv("ENVIRONMENT") == "development"

	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.ListenAddr
	}
	if c.LeaseTTL <= 0 {
		p.errs = append(p.errs, fmt.Errorf("LEASE_TTL must be positive, got %d", c.LeaseTTL))
	}
	if c.TargetNeighbors <= 0 {
		p.errs = append(p.errs, fmt.Errorf("TARGET_NEIGHBORS must be positive, got %d", c.TargetNeighbors))
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}

type parser struct {
	errs []error
}

func (p *parser) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (p *parser) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (p *parser) int64(key string, dst *int64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (p *parser) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
