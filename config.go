package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/die-net/proxee/internal/logging"
	"github.com/die-net/proxee/internal/proxy"
	"github.com/die-net/proxee/internal/relay"
)

type options struct {
	listen         string
	backlog        int
	bufferSize     int
	upstreamPort   uint16
	upstream       string
	dialTimeout    time.Duration
	resolveTimeout time.Duration
	resolve        map[string]string
	halfClose      bool
	tcpKeepAlive   string
	shutdownGrace  time.Duration
	debugListen    string
	logLevel       string
	logFormat      string
	configPath     string
}

func newFlagSet(name string) (*pflag.FlagSet, *options) {
	o := &options{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&o.listen, "listen", proxy.DefaultListen, "Proxy listen address; an empty host binds every IPv4 address")
	fs.IntVar(&o.backlog, "backlog", proxy.DefaultBacklog, "Listen backlog for pending connections")
	fs.IntVar(&o.bufferSize, "buffer-size", relay.DefaultBufferSize, "Bytes read from a client per request, and per upstream read")
	fs.Uint16Var(&o.upstreamPort, "upstream-port", relay.DefaultUpstreamPort, "Origin server port")
	fs.StringVar(&o.upstream, "upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", 0, "Timeout for connecting to an origin or upstream proxy; 0 waits indefinitely")
	fs.DurationVar(&o.resolveTimeout, "resolve-timeout", 0, "Timeout for DNS lookups; 0 waits indefinitely")
	fs.StringToStringVar(&o.resolve, "resolve", nil, "Static host overrides, name=ipv4 (repeatable)")
	fs.BoolVar(&o.halfClose, "half-close", true, "Shut down the client's write side after each response")
	fs.StringVar(&o.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.DurationVar(&o.shutdownGrace, "shutdown-grace", proxy.DefaultShutdownGrace, "How long in-flight relays may run after a shutdown signal")
	fs.StringVar(&o.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&o.logFormat, "log-format", logging.FormatConsole, "Log format: console|json")
	fs.StringVar(&o.configPath, "config", "", "YAML file of flag values; flags given on the command line take precedence")

	return fs, o
}

func parseOptions(name string, args []string) (*options, error) {
	fs, o := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.configPath != "" {
		if err := loadConfigFile(fs, o.configPath); err != nil {
			return nil, err
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// loadConfigFile applies a YAML file of flag values to fs. Keys are flag
// names, with '_' accepted for '-'. Flags already set on the command line
// keep their values.
func loadConfigFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		name := strings.ReplaceAll(key, "_", "-")
		if name == "config" || fs.Lookup(name) == nil {
			return fmt.Errorf("configuration file %q: unknown key %q", path, key)
		}
		if fs.Changed(name) {
			continue
		}
		if err := fs.Set(name, flagValue(values[key])); err != nil {
			return fmt.Errorf("configuration file %q: %s: %w", path, key, err)
		}
	}
	return nil
}

// flagValue renders a decoded YAML value the way it would be written on
// the command line.
func flagValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case map[string]any:
		pairs := make([]string, 0, len(v))
		for k, val := range v {
			pairs = append(pairs, k+"="+fmt.Sprint(val))
		}
		slices.Sort(pairs)
		return strings.Join(pairs, ",")
	default:
		return fmt.Sprint(v)
	}
}

func (o *options) validate() error {
	switch {
	case o.backlog <= 0:
		return errors.New("invalid --backlog: must be > 0")
	case o.bufferSize <= 0:
		return errors.New("invalid --buffer-size: must be > 0")
	case o.upstreamPort == 0:
		return errors.New("invalid --upstream-port: must be > 0")
	case o.shutdownGrace < 0:
		return errors.New("invalid --shutdown-grace: must be >= 0")
	}
	return nil
}
