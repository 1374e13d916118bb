package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/superfly/litedelta"
	"github.com/superfly/litedelta/consul"
	"github.com/superfly/litedelta/http"
	"github.com/superfly/litedelta/internal"
	"github.com/superfly/litedelta/zk"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// NOTE: Update etc/litedelta.yml configuration file after changing the structure below.

// Config represents a configuration for the binary process.
type Config struct {
	Exec string `yaml:"exec"`

	Databases  []DBConfig       `yaml:"databases"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Lock       LockConfig       `yaml:"lock"`
	HTTP       HTTPConfig       `yaml:"http"`
	Merge      MergeConfig      `yaml:"merge"`
	Cache      CacheConfig      `yaml:"cache"`
	Log        LogConfig        `yaml:"log"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config
	config.Lock.Type = LockTypeLocal
	config.Lock.Consul.TTL = consul.DefaultTTL
	config.Lock.Consul.LockDelay = consul.DefaultLockDelay
	config.Lock.ZooKeeper.SessionTimeout = zk.DefaultSessionTimeout

	config.HTTP.Addr = http.DefaultAddr

	config.Merge.BatchSize = litedelta.DefaultMergeBatchSize
	config.Merge.RecoverOnOpen = true

	config.Cache.Size = litedelta.DefaultCacheSize

	config.Log.Level = "info"

	config.Tracing.MaxSize = DefaultTracingMaxSize
	config.Tracing.MaxCount = DefaultTracingMaxCount
	config.Tracing.Compress = DefaultTracingCompress

	return config
}

// DBConfig represents a single primary file attached by the process.
type DBConfig struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Delta    string `yaml:"delta"`
	Shadow   string `yaml:"shadow"`
	PageSize uint32 `yaml:"page-size"`
	Create   bool   `yaml:"create"`
}

// EncryptionConfig represents the at-rest page encoding settings.
type EncryptionConfig struct {
	KeyFile string `yaml:"key-file"`
}

// Lock manager types.
const (
	LockTypeLocal     = "local"
	LockTypeConsul    = "consul"
	LockTypeZooKeeper = "zookeeper"
)

// IsValidLockType returns true if s is a valid lock manager type.
func IsValidLockType(s string) bool {
	switch s {
	case LockTypeLocal, LockTypeConsul, LockTypeZooKeeper:
		return true
	default:
		return false
	}
}

// LockConfig represents the cross-process lock manager settings.
type LockConfig struct {
	// Specifies the backend: "local", "consul", or "zookeeper".
	// The local backend only coordinates attachments within this process.
	Type string `yaml:"type"`

	Consul struct {
		URL       string        `yaml:"url"`
		TTL       time.Duration `yaml:"ttl"`
		LockDelay time.Duration `yaml:"lock-delay"`
	} `yaml:"consul"`

	ZooKeeper struct {
		URL            string        `yaml:"url"`
		SessionTimeout time.Duration `yaml:"session-timeout"`
	} `yaml:"zookeeper"`
}

// HTTPConfig represents the configuration for the admin HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MergeConfig represents settings for ending a backup.
type MergeConfig struct {
	BatchSize int `yaml:"batch-size"`

	// Complete interrupted merges in the background on startup.
	RecoverOnOpen bool `yaml:"recover-on-open"`
}

// CacheConfig represents the page cache settings for each database.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// LogConfig represents the structured logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Tracing configuration defaults.
const (
	DefaultTracingMaxSize  = 64 // MB
	DefaultTracingMaxCount = 8
	DefaultTracingCompress = true
)

// TracingConfig represents the configuration the on-disk trace log.
type TracingConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

// Validate returns an error if the configuration cannot be used to open a store.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database required")
	}

	names := make(map[string]struct{})
	for i, db := range c.Databases {
		if db.Name == "" {
			return fmt.Errorf("database name required: index=%d", i)
		} else if db.Path == "" {
			return fmt.Errorf("database path required: name=%s", db.Name)
		} else if _, ok := names[db.Name]; ok {
			return fmt.Errorf("duplicate database name: %s", db.Name)
		}
		names[db.Name] = struct{}{}

		if db.PageSize != 0 {
			if err := litedelta.ValidatePageSize(db.PageSize); err != nil {
				return fmt.Errorf("database %s: %w", db.Name, err)
			}
		}
	}

	if !IsValidLockType(c.Lock.Type) {
		return fmt.Errorf("invalid lock type, must be 'local', 'consul', or 'zookeeper', got: '%v'", c.Lock.Type)
	} else if c.Lock.Type == LockTypeConsul && c.Lock.Consul.URL == "" {
		return fmt.Errorf("consul url required")
	} else if c.Lock.Type == LockTypeZooKeeper && c.Lock.ZooKeeper.URL == "" {
		return fmt.Errorf("zookeeper url required")
	}

	if c.Merge.BatchSize < 0 {
		return fmt.Errorf("merge batch size must be non-negative")
	} else if c.Cache.Size < 0 {
		return fmt.Errorf("cache size must be non-negative")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}
	return nil
}

// ApplyLogging sets the log level and trace output from the configuration.
// If stdout is true then trace logs are also written to STDOUT.
func (c *Config) ApplyLogging(stdout bool) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}
	litedelta.LogLevel.Set(level)

	// The config settings specify a rolling on-disk log whereas the CLI flag
	// specifies output to STDOUT.
	var tw io.Writer
	if c.Tracing.Path != "" {
		log.Printf("trace log enabled: %s", c.Tracing.Path)
		tw = &lumberjack.Logger{
			Filename:   c.Tracing.Path,
			MaxSize:    c.Tracing.MaxSize,
			MaxBackups: c.Tracing.MaxCount,
			Compress:   c.Tracing.Compress,
		}
	}
	if stdout {
		if tw == nil {
			tw = os.Stdout
		} else {
			tw = io.MultiWriter(os.Stdout, tw)
		}
	}
	if tw != nil {
		litedelta.TraceLog.SetOutput(tw)
	}
	return nil
}

// OpenLockManager connects to the configured lock backend.
func OpenLockManager(config LockConfig) (litedelta.LockManager, error) {
	switch config.Type {
	case LockTypeLocal, "":
		return litedelta.NewLockTable().Session("local"), nil

	case LockTypeConsul:
		m := consul.NewLockManager(config.Consul.URL)
		if v := config.Consul.TTL; v > 0 {
			m.TTL = v
		}
		if v := config.Consul.LockDelay; v > 0 {
			m.LockDelay = v
		}
		if err := m.Open(); err != nil {
			return nil, fmt.Errorf("cannot connect to consul: %w", err)
		}
		log.Printf("using consul lock manager: url=%s session=%s", config.Consul.URL, m.SessionID())
		return m, nil

	case LockTypeZooKeeper:
		servers, prefix, err := zk.ParseURL(config.ZooKeeper.URL)
		if err != nil {
			return nil, err
		}

		m := zk.NewLockManager(servers)
		m.Prefix = prefix
		if v := config.ZooKeeper.SessionTimeout; v > 0 {
			m.SessionTimeout = v
		}
		if err := m.Open(); err != nil {
			return nil, fmt.Errorf("cannot connect to zookeeper: %w", err)
		}
		log.Printf("using zookeeper lock manager: servers=%s prefix=%s", strings.Join(servers, ","), prefix)
		return m, nil

	default:
		return nil, fmt.Errorf("invalid lock type: %q", config.Type)
	}
}

// OpenStore connects to the lock backend and attaches every configured database.
func OpenStore(ctx context.Context, config *Config) (_ *litedelta.Store, err error) {
	lm, err := OpenLockManager(config.Lock)
	if err != nil {
		return nil, err
	}

	store := litedelta.NewStore(&internal.SystemOS{}, lm)
	store.CacheSize = config.Cache.Size
	store.MergeBatchSize = config.Merge.BatchSize
	store.RecoverOnOpen = config.Merge.RecoverOnOpen
	defer func() {
		if err != nil {
			_ = store.Close(ctx)
			_ = lm.Close()
		}
	}()

	if config.Encryption.KeyFile != "" {
		key, err := litedelta.ReadKeyFile(config.Encryption.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read encryption key: %w", err)
		}
		if store.Transform, err = litedelta.NewChaChaTransform(key); err != nil {
			return nil, err
		}
	}

	for _, dbc := range config.Databases {
		if _, err := store.OpenDB(ctx, litedelta.DBConfig{
			Name:       dbc.Name,
			Path:       dbc.Path,
			DeltaPath:  dbc.Delta,
			ShadowPath: dbc.Shadow,
			Create:     dbc.Create,
			PageSize:   dbc.PageSize,
		}); err != nil {
			return nil, fmt.Errorf("cannot open database %q: %w", dbc.Name, err)
		}
		log.Printf("database attached: name=%s path=%s", dbc.Name, dbc.Path)
	}

	return store, nil
}

// CloseStore detaches every database and closes the store's lock manager.
func CloseStore(ctx context.Context, store *litedelta.Store) (err error) {
	if e := store.Close(ctx); e != nil && err == nil {
		err = e
	}
	if e := store.LockManager().Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// UnmarshalConfig unmarshals config from data.
// If expandEnv is true then environment variables are expanded in the config.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	// Expand environment variables, if enabled.
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(config); err != nil {
		return err
	}
	return nil
}

// ExpandEnv replaces environment variables just like os.ExpandEnv() but also
// allows for equality/inequality binary expressions within the ${} form.
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			return compareExpr(os.Getenv(a[1]), a[2], a[3])
		}
		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			return compareExpr(os.Getenv(a[1]), a[2], a[3])
		}
		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			return compareExpr(os.Getenv(a[1]), a[2], os.Getenv(a[3]))
		}
		return os.Getenv(v)
	})
}

func compareExpr(lhs, op, rhs string) string {
	if op == "==" {
		return strconv.FormatBool(lhs == rhs)
	}
	return strconv.FormatBool(lhs != rhs)
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// ParseConfigPath parses the configuration file from configPath, if specified.
// Otherwise searches the standard list of search paths. Returns an error if
// no configuration files could be found.
func ParseConfigPath(ctx context.Context, configPath string, expandEnv bool, config *Config) (err error) {
	// Only read from explicit path, if specified. Report any error.
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return UnmarshalConfig(config, buf, expandEnv)
	}

	// Otherwise attempt to read each config path until we succeed.
	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		log.Printf("config file read from %s", path)
		return nil
	}

	return fmt.Errorf("config file not found")
}

// configSearchPaths returns paths to search for the config file. It starts with
// the current directory, then home directory, if available. And finally it tries
// to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"litedelta.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "litedelta.yml"))
	}
	a = append(a, "/etc/litedelta.yml")
	return a
}
