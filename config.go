package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DnsholeConfig holds all configuration options for the dnshole daemon
type DnsholeConfig struct {
	// Blocklist sources: host files or http(s) URLs
	Blocklists []string `json:"blocklists" validate:"required,min=1,dive,required"`

	// Interface settings
	InterfaceName string `json:"interface" validate:"required,max=15"`
	MTU           int    `json:"mtu" validate:"min=576,max=65535"`
	Address       string `json:"address" validate:"required,cidrv4"`
	RelayDNS      string `json:"relayDns" validate:"omitempty,ipv4"`
	OverrideDNS   bool   `json:"overrideDns"`

	// Upstream settings
	UpstreamDNS     string `json:"upstreamDns" validate:"upstream_or_empty"`
	ResolvConf      string `json:"resolvConf"`
	UpstreamTimeout string `json:"upstreamTimeout" validate:"duration"`
	SocketMark      int    `json:"socketMark" validate:"min=0"`

	// Concurrency and lifecycle
	MaxWorkers  int    `json:"maxWorkers" validate:"min=1,max=4096"`
	RetryMin    string `json:"retryMin" validate:"duration"`
	RetryMax    string `json:"retryMax" validate:"duration"`
	StopTimeout string `json:"stopTimeout" validate:"duration"`

	// Logging
	LogLevel string `json:"logLevel" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`

	// HTTP server
	EnableAPI  bool   `json:"enableApi"`
	HTTPAddr   string `json:"httpAddr" validate:"omitempty,hostname_port"`
	SocketPath string `json:"socketPath"`

	// Persisted on every start and stop request
	Enabled bool `json:"enabled"`

	// Runtime only
	TunFD   int    `json:"-" validate:"min=-1"`
	Boot    bool   `json:"-"`
	Version string `json:"-"`

	// Parsed values (not in JSON)
	AddressPrefix           netip.Prefix   `json:"-"`
	RelayAddr               netip.Addr     `json:"-"`
	UpstreamAddrPort        netip.AddrPort `json:"-"`
	UpstreamTimeoutDuration time.Duration  `json:"-"`
	RetryMinDuration        time.Duration  `json:"-"`
	RetryMaxDuration        time.Duration  `json:"-"`
	StopTimeoutDuration     time.Duration  `json:"-"`

	// Source tracking (not in JSON)
	sources map[string]string
	path    string
}

// ConfigSource tracks where each config value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("upstream_or_empty", validateUpstreamOrEmpty); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validateUpstreamOrEmpty(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	_, err := parseUpstream(value)
	return err == nil
}

// parseUpstream accepts an IPv4 address with an optional port.
func parseUpstream(value string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(value); err == nil {
		if !ap.Addr().Is4() {
			return netip.AddrPort{}, fmt.Errorf("upstream %s is not IPv4", value)
		}
		return ap, nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("upstream %s is not IPv4", value)
	}
	return netip.AddrPortFrom(addr, 53), nil
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "cidrv4":
		return "must be an IPv4 address with prefix length, e.g. 192.168.50.1/24"
	case "ipv4":
		return "must be an IPv4 address"
	case "hostname_port":
		return "must be in format 'host:port'"
	case "duration":
		return "must be a positive duration, e.g. 5s"
	case "upstream_or_empty":
		return "must be an IPv4 address with an optional port, or empty"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// DefaultConfig returns a config with default values
func DefaultConfig() *DnsholeConfig {
	config := &DnsholeConfig{
		Blocklists:      []string{"/etc/dnshole/hosts"},
		InterfaceName:   "dnshole0",
		MTU:             1500,
		Address:         "192.168.50.1/24",
		RelayDNS:        "192.168.50.5",
		OverrideDNS:     true,
		UpstreamTimeout: "5s",
		MaxWorkers:      32,
		RetryMin:        "5s",
		RetryMax:        "120s",
		StopTimeout:     "2s",
		LogLevel:        "INFO",
		EnableAPI:       false,
		HTTPAddr:        "127.0.0.1:9453",
		TunFD:           -1,
		sources:         make(map[string]string),
	}

	for _, key := range []string{
		"blocklists", "interface", "mtu", "address", "relayDns", "overrideDns",
		"upstreamDns", "resolvConf", "upstreamTimeout", "socketMark", "maxWorkers",
		"retryMin", "retryMax", "stopTimeout", "logLevel", "enableApi", "httpAddr",
		"socketPath", "enabled", "tunFd",
	} {
		config.sources[key] = string(SourceDefault)
	}

	return config
}

// getDnsholeConfigDir returns the config directory path
func getDnsholeConfigDir() string {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir != "" {
		return configDir
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "dnshole")
	default:
		return filepath.Join(os.Getenv("HOME"), ".config", "dnshole")
	}
}

// getDnsholeConfigPath returns the path to the config file
func getDnsholeConfigPath() string {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		return configFile
	}
	return filepath.Join(getDnsholeConfigDir(), "config.json")
}

// LoadConfig loads configuration from file, env vars, and CLI args
// Priority: CLI args > Env vars > Config file > Defaults
// Returns: (config, showVersion, showConfig, error)
func LoadConfig(args []string) (*DnsholeConfig, bool, bool, error) {
	config := DefaultConfig()
	config.path = getDnsholeConfigPath()

	if err := loadConfigFromFile(config, config.path); err != nil {
		return nil, false, false, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := loadConfigFromEnv(config); err != nil {
		return nil, false, false, err
	}

	showVersion, showConfig, err := loadConfigFromCLI(config, args)
	if err != nil {
		return nil, false, false, err
	}

	if err := config.Validate(); err != nil {
		return nil, false, false, err
	}

	return config, showVersion, showConfig, nil
}

// loadConfigFromFile overlays the JSON config file. Only keys present in the
// file are taken, so a file may set booleans back to false.
func loadConfigFromFile(config *DnsholeConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // File doesn't exist, not an error
		}
		return err
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	for key := range present {
		if _, known := config.sources[key]; known {
			config.sources[key] = string(SourceFile)
		}
	}
	return nil
}

type envVar struct {
	name string
	key  string
	set  func(c *DnsholeConfig, val string) error
}

func setString(field func(c *DnsholeConfig) *string) func(*DnsholeConfig, string) error {
	return func(c *DnsholeConfig, val string) error {
		*field(c) = val
		return nil
	}
}

func setInt(field func(c *DnsholeConfig) *int) func(*DnsholeConfig, string) error {
	return func(c *DnsholeConfig, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setBool(field func(c *DnsholeConfig) *bool) func(*DnsholeConfig, string) error {
	return func(c *DnsholeConfig, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

var envVars = []envVar{
	{"BLOCKLISTS", "blocklists", func(c *DnsholeConfig, val string) error {
		c.Blocklists = splitList(val)
		return nil
	}},
	{"INTERFACE", "interface", setString(func(c *DnsholeConfig) *string { return &c.InterfaceName })},
	{"MTU", "mtu", setInt(func(c *DnsholeConfig) *int { return &c.MTU })},
	{"ADDRESS", "address", setString(func(c *DnsholeConfig) *string { return &c.Address })},
	{"RELAY_DNS", "relayDns", setString(func(c *DnsholeConfig) *string { return &c.RelayDNS })},
	{"OVERRIDE_DNS", "overrideDns", setBool(func(c *DnsholeConfig) *bool { return &c.OverrideDNS })},
	{"UPSTREAM_DNS", "upstreamDns", setString(func(c *DnsholeConfig) *string { return &c.UpstreamDNS })},
	{"RESOLV_CONF", "resolvConf", setString(func(c *DnsholeConfig) *string { return &c.ResolvConf })},
	{"UPSTREAM_TIMEOUT", "upstreamTimeout", setString(func(c *DnsholeConfig) *string { return &c.UpstreamTimeout })},
	{"SOCKET_MARK", "socketMark", setInt(func(c *DnsholeConfig) *int { return &c.SocketMark })},
	{"MAX_WORKERS", "maxWorkers", setInt(func(c *DnsholeConfig) *int { return &c.MaxWorkers })},
	{"RETRY_MIN", "retryMin", setString(func(c *DnsholeConfig) *string { return &c.RetryMin })},
	{"RETRY_MAX", "retryMax", setString(func(c *DnsholeConfig) *string { return &c.RetryMax })},
	{"STOP_TIMEOUT", "stopTimeout", setString(func(c *DnsholeConfig) *string { return &c.StopTimeout })},
	{"LOG_LEVEL", "logLevel", setString(func(c *DnsholeConfig) *string { return &c.LogLevel })},
	{"ENABLE_API", "enableApi", setBool(func(c *DnsholeConfig) *bool { return &c.EnableAPI })},
	{"HTTP_ADDR", "httpAddr", setString(func(c *DnsholeConfig) *string { return &c.HTTPAddr })},
	{"SOCKET_PATH", "socketPath", setString(func(c *DnsholeConfig) *string { return &c.SocketPath })},
	{"DNSHOLE_TUN_FD", "tunFd", setInt(func(c *DnsholeConfig) *int { return &c.TunFD })},
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *DnsholeConfig) error {
	for _, v := range envVars {
		val, ok := os.LookupEnv(v.name)
		if !ok || val == "" {
			continue
		}
		if err := v.set(config, val); err != nil {
			return fmt.Errorf("invalid %s value %q: %w", v.name, val, err)
		}
		config.sources[v.key] = string(SourceEnv)
	}
	return nil
}

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"blocklist":        "blocklists",
	"interface":        "interface",
	"mtu":              "mtu",
	"address":          "address",
	"relay-dns":        "relayDns",
	"override-dns":     "overrideDns",
	"upstream-dns":     "upstreamDns",
	"resolv-conf":      "resolvConf",
	"upstream-timeout": "upstreamTimeout",
	"socket-mark":      "socketMark",
	"max-workers":      "maxWorkers",
	"retry-min":        "retryMin",
	"retry-max":        "retryMax",
	"stop-timeout":     "stopTimeout",
	"log-level":        "logLevel",
	"enable-api":       "enableApi",
	"http-addr":        "httpAddr",
	"socket-path":      "socketPath",
	"tun-fd":           "tunFd",
}

// loadConfigFromCLI loads configuration from command-line arguments
func loadConfigFromCLI(config *DnsholeConfig, args []string) (bool, bool, error) {
	serviceFlags := flag.NewFlagSet("dnshole", flag.ContinueOnError)

	var cliBlocklists []string
	serviceFlags.Func("blocklist", "Blocklist host file or http(s) URL (repeatable, comma separated)", func(val string) error {
		cliBlocklists = append(cliBlocklists, splitList(val)...)
		return nil
	})
	serviceFlags.StringVar(&config.InterfaceName, "interface", config.InterfaceName, "Name of the TUN interface")
	serviceFlags.IntVar(&config.MTU, "mtu", config.MTU, "MTU to use")
	serviceFlags.StringVar(&config.Address, "address", config.Address, "Interface address with prefix length")
	serviceFlags.StringVar(&config.RelayDNS, "relay-dns", config.RelayDNS, "DNS address the system resolver is pointed at")
	serviceFlags.BoolVar(&config.OverrideDNS, "override-dns", config.OverrideDNS, "Point the system resolver at the relay DNS address")
	serviceFlags.StringVar(&config.UpstreamDNS, "upstream-dns", config.UpstreamDNS, "Upstream DNS server (ip or ip:port); discovered from resolv.conf when empty")
	serviceFlags.StringVar(&config.ResolvConf, "resolv-conf", config.ResolvConf, "resolv.conf used to discover the upstream DNS server")
	serviceFlags.StringVar(&config.UpstreamTimeout, "upstream-timeout", config.UpstreamTimeout, "Timeout for each upstream exchange")
	serviceFlags.IntVar(&config.SocketMark, "socket-mark", config.SocketMark, "SO_MARK applied to upstream sockets (0 disables)")
	serviceFlags.IntVar(&config.MaxWorkers, "max-workers", config.MaxWorkers, "Maximum number of queries handled at once")
	serviceFlags.StringVar(&config.RetryMin, "retry-min", config.RetryMin, "First reconnect delay")
	serviceFlags.StringVar(&config.RetryMax, "retry-max", config.RetryMax, "Maximum reconnect delay")
	serviceFlags.StringVar(&config.StopTimeout, "stop-timeout", config.StopTimeout, "How long a stopping session is awaited")
	serviceFlags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR, FATAL)")
	serviceFlags.BoolVar(&config.EnableAPI, "enable-api", config.EnableAPI, "Enable the HTTP API")
	serviceFlags.StringVar(&config.HTTPAddr, "http-addr", config.HTTPAddr, "HTTP server address (e.g., '127.0.0.1:9453')")
	serviceFlags.StringVar(&config.SocketPath, "socket-path", config.SocketPath, "Unix socket for the API (overrides http-addr)")
	serviceFlags.IntVar(&config.TunFD, "tun-fd", config.TunFD, "Use an already provisioned TUN file descriptor")
	serviceFlags.BoolVar(&config.Boot, "boot", false, "Start filtering only if it was enabled before")

	version := serviceFlags.Bool("version", false, "Print the version")
	showConfig := serviceFlags.Bool("show-config", false, "Show configuration sources and exit")

	if err := serviceFlags.Parse(args); err != nil {
		return false, false, err
	}

	if len(cliBlocklists) > 0 {
		config.Blocklists = cliBlocklists
	}

	// Track which values were given on the command line
	serviceFlags.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			config.sources[key] = string(SourceCLI)
		}
	})

	return *version, *showConfig, nil
}

// Validate checks every field and fills in the parsed values
func (c *DnsholeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "invalid configuration (%d error(s)):", len(fieldErrs))
		for _, e := range fieldErrs {
			fmt.Fprintf(&sb, "\n  %s: %s", e.Namespace(), validationMessage(e))
		}
		return errors.New(sb.String())
	}

	var err error
	if c.AddressPrefix, err = netip.ParsePrefix(c.Address); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if c.RelayDNS != "" {
		if c.RelayAddr, err = netip.ParseAddr(c.RelayDNS); err != nil {
			return fmt.Errorf("invalid relayDns: %w", err)
		}
		if !c.AddressPrefix.Masked().Contains(c.RelayAddr) {
			return fmt.Errorf("relayDns %s is outside %s", c.RelayAddr, c.AddressPrefix.Masked())
		}
	}
	if c.UpstreamDNS != "" {
		if c.UpstreamAddrPort, err = parseUpstream(c.UpstreamDNS); err != nil {
			return fmt.Errorf("invalid upstreamDns: %w", err)
		}
	}

	// The validator already accepted the durations.
	c.UpstreamTimeoutDuration, _ = time.ParseDuration(c.UpstreamTimeout)
	c.RetryMinDuration, _ = time.ParseDuration(c.RetryMin)
	c.RetryMaxDuration, _ = time.ParseDuration(c.RetryMax)
	c.StopTimeoutDuration, _ = time.ParseDuration(c.StopTimeout)

	if c.RetryMaxDuration < c.RetryMinDuration {
		return fmt.Errorf("retryMax %s is shorter than retryMin %s", c.RetryMax, c.RetryMin)
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// SaveConfig saves the current configuration to the config file
func SaveConfig(config *DnsholeConfig) error {
	if err := os.MkdirAll(filepath.Dir(config.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(config.path, data, 0644)
}

// ShowConfig prints the configuration and the source of each value
func (c *DnsholeConfig) ShowConfig() {
	fmt.Print("\n=== dnshole Configuration ===\n\n")
	fmt.Printf("Config File: %s\n", c.path)

	if _, err := os.Stat(c.path); err == nil {
		fmt.Printf("Config File Status: ✓ exists\n")
	} else {
		fmt.Printf("Config File Status: ✗ not found\n")
	}

	fmt.Println("\n--- Configuration Values ---")
	fmt.Print("(Format: Setting = Value [source])\n\n")

	getSource := func(key string) string {
		if source, ok := c.sources[key]; ok {
			return source
		}
		return string(SourceDefault)
	}

	formatValue := func(value string) string {
		if value == "" {
			return "(not set)"
		}
		return value
	}

	fmt.Println("Blocklists:")
	fmt.Printf("  blocklists       = %s [%s]\n", strings.Join(c.Blocklists, ", "), getSource("blocklists"))

	fmt.Println("\nInterface:")
	fmt.Printf("  interface        = %s [%s]\n", c.InterfaceName, getSource("interface"))
	fmt.Printf("  mtu              = %d [%s]\n", c.MTU, getSource("mtu"))
	fmt.Printf("  address          = %s [%s]\n", c.Address, getSource("address"))
	fmt.Printf("  relay-dns        = %s [%s]\n", formatValue(c.RelayDNS), getSource("relayDns"))
	fmt.Printf("  override-dns     = %v [%s]\n", c.OverrideDNS, getSource("overrideDns"))
	if c.TunFD >= 0 {
		fmt.Printf("  tun-fd           = %d [%s]\n", c.TunFD, getSource("tunFd"))
	}

	fmt.Println("\nUpstream:")
	fmt.Printf("  upstream-dns     = %s [%s]\n", formatValue(c.UpstreamDNS), getSource("upstreamDns"))
	fmt.Printf("  resolv-conf      = %s [%s]\n", formatValue(c.ResolvConf), getSource("resolvConf"))
	fmt.Printf("  upstream-timeout = %s [%s]\n", c.UpstreamTimeout, getSource("upstreamTimeout"))
	fmt.Printf("  socket-mark      = %d [%s]\n", c.SocketMark, getSource("socketMark"))

	fmt.Println("\nLifecycle:")
	fmt.Printf("  max-workers      = %d [%s]\n", c.MaxWorkers, getSource("maxWorkers"))
	fmt.Printf("  retry-min        = %s [%s]\n", c.RetryMin, getSource("retryMin"))
	fmt.Printf("  retry-max        = %s [%s]\n", c.RetryMax, getSource("retryMax"))
	fmt.Printf("  stop-timeout     = %s [%s]\n", c.StopTimeout, getSource("stopTimeout"))
	fmt.Printf("  enabled          = %v [%s]\n", c.Enabled, getSource("enabled"))

	fmt.Println("\nLogging:")
	fmt.Printf("  log-level        = %s [%s]\n", c.LogLevel, getSource("logLevel"))

	fmt.Println("\nHTTP Server:")
	fmt.Printf("  enable-api       = %v [%s]\n", c.EnableAPI, getSource("enableApi"))
	fmt.Printf("  http-addr        = %s [%s]\n", c.HTTPAddr, getSource("httpAddr"))
	fmt.Printf("  socket-path      = %s [%s]\n", formatValue(c.SocketPath), getSource("socketPath"))

	fmt.Println("\n--- Source Legend ---")
	fmt.Println("  default     = Built-in default value")
	fmt.Println("  file        = Loaded from config file")
	fmt.Println("  environment = Set via environment variable")
	fmt.Println("  cli         = Provided as command-line argument")
	fmt.Println("\nPriority: cli > environment > file > default")
	fmt.Println()
}

// sortedSources lists config keys with their source, for debug logging
func (c *DnsholeConfig) sortedSources() []string {
	out := make([]string, 0, len(c.sources))
	for key, source := range c.sources {
		out = append(out, key+"="+source)
	}
	sort.Strings(out)
	return out
}
