package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"node-provisioner/internal/codec"
	"node-provisioner/internal/loader"
	"node-provisioner/internal/script"
	"node-provisioner/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// NodeConfig describes how to reach one instrument.
type NodeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // "serial", "websocket", "tcp" or "sim"
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	URL     string `yaml:"url"`
	Address string `yaml:"address"`
	Serial  string `yaml:"serial"` // sim only
	Model   string `yaml:"model"`  // sim only
}

type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	ScriptsDir string `yaml:"scripts_dir"`
	Codec      struct {
		Secret    string `yaml:"secret"`
		SecretEnv string `yaml:"secret_env"`
		Format    string `yaml:"format"`
	} `yaml:"codec"`
	Transfer struct {
		RetainOutline bool   `yaml:"retain_outline"`
		PollInterval  string `yaml:"poll_interval"`
		Timeout       string `yaml:"timeout"`
		Settle        string `yaml:"settle"`
		OnTimeout     string `yaml:"on_timeout"` // "fail" or "warn"
		Trace         bool   `yaml:"trace"`
		QueryTimeout  string `yaml:"query_timeout"`
	} `yaml:"transfer"`
	Nodes []NodeConfig `yaml:"nodes"`
	MQTT  struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d].name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		switch n.Type {
		case "serial":
			if n.Port == "" {
				return fmt.Errorf("node %s: port is required for serial", n.Name)
			}
		case "websocket":
			if !strings.HasPrefix(n.URL, "ws://") && !strings.HasPrefix(n.URL, "wss://") {
				return fmt.Errorf("node %s: url must start with ws:// or wss://", n.Name)
			}
		case "tcp":
			if n.Address == "" {
				return fmt.Errorf("node %s: address is required for tcp", n.Name)
			}
		case "sim":
		default:
			return fmt.Errorf("node %s: unknown type %q (supported: serial, websocket, tcp, sim)", n.Name, n.Type)
		}
	}
	for name, v := range map[string]string{
		"transfer.poll_interval": c.Transfer.PollInterval,
		"transfer.timeout":       c.Transfer.Timeout,
		"transfer.settle":        c.Transfer.Settle,
		"transfer.query_timeout": c.Transfer.QueryTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := loader.ParseTimeoutPolicy(c.Transfer.OnTimeout); err != nil {
		return fmt.Errorf("transfer.on_timeout: %w", err)
	}
	if _, err := codec.ParseFlags(c.Codec.Format); err != nil {
		return fmt.Errorf("codec.format: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) node(name string) (NodeConfig, error) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return NodeConfig{}, fmt.Errorf("unknown node %q", name)
}

// loaderOptions converts the transfer section. validate has already
// checked every value.
func (c *Config) loaderOptions() loader.Options {
	poll, _ := time.ParseDuration(c.Transfer.PollInterval)
	timeout, _ := time.ParseDuration(c.Transfer.Timeout)
	settle, _ := time.ParseDuration(c.Transfer.Settle)
	policy, _ := loader.ParseTimeoutPolicy(c.Transfer.OnTimeout)
	return loader.Options{
		RetainOutline: c.Transfer.RetainOutline,
		PollInterval:  poll,
		Timeout:       timeout,
		Settle:        settle,
		OnTimeout:     policy,
		Trace:         c.Transfer.Trace,
	}
}

func (c *Config) queryTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Transfer.QueryTimeout)
	return d
}

func (c *Config) secret() string {
	if c.Codec.Secret != "" {
		return c.Codec.Secret
	}
	return os.Getenv(c.Codec.SecretEnv)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "provisioner.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Codec.SecretEnv == "" {
		cfg.Codec.SecretEnv = "PROVISIONER_SECRET"
	}
	if cfg.Codec.Format == "" {
		cfg.Codec.Format = "compressed|encrypted"
	}
	def := loader.DefaultOptions()
	if cfg.Transfer.PollInterval == "" {
		cfg.Transfer.PollInterval = def.PollInterval.String()
	}
	if cfg.Transfer.Timeout == "" {
		cfg.Transfer.Timeout = def.Timeout.String()
	}
	if cfg.Transfer.Settle == "" {
		cfg.Transfer.Settle = def.Settle.String()
	}
	if cfg.Transfer.OnTimeout == "" {
		cfg.Transfer.OnTimeout = def.OnTimeout.String()
	}
	if cfg.Transfer.QueryTimeout == "" {
		cfg.Transfer.QueryTimeout = "2s"
	}
	for i := range cfg.Nodes {
		if cfg.Nodes[i].Type == "serial" && cfg.Nodes[i].Baud == 0 {
			cfg.Nodes[i].Baud = 115200
		}
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "provisioner"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// app carries what every command needs once the config is loaded.
type app struct {
	cfgPath string
	cfg     *Config
	logger  *slog.Logger
	codec   *codec.Codec
	lib     *script.Library
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	// Logs go to stderr so reports on stdout stay machine readable.
	a.logger = newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(a.logger)

	a.codec, err = codec.New(cfg.secret(), a.logger)
	if err != nil {
		return err
	}
	a.lib, err = script.NewLibrary(cfg.ScriptsDir, a.codec, a.logger)
	if err != nil {
		return err
	}
	a.logger.Debug("node-provisioner starting", "version", version, "config", a.cfgPath)
	return nil
}

// withStore opens the database for the duration of fn.
func (a *app) withStore(fn func(db *store.BoltStore) error) error {
	db, err := store.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "provisioner",
		Short:         "Provision scripts onto instrument nodes and check their firmware",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "config.yaml", "path to the YAML config")

	root.AddCommand(
		newStatusCmd(a),
		newLoadCmd(a),
		newSaveCmd(a),
		newDeleteCmd(a),
		newPackCmd(a),
		newUnpackCmd(a),
		newScriptsCmd(a),
		newRegisterCmd(a),
		newArchiveCmd(a),
		newReportCmd(a),
		newSimulateCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errVerdict) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
