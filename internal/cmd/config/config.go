// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/go-secure-stdlib/configutil/v2"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-sockaddr/template"
	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
	"github.com/hashicorp/trellis/internal/event"
	"github.com/hashicorp/trellis/internal/ratelimit"
)

const (
	// DefaultProtocolDetectionTimeout bounds how long the data path waits for
	// first bytes before falling back to an opaque TCP relay.
	DefaultProtocolDetectionTimeout = 10 * time.Second

	// DefaultDiscoveryRefreshInterval is how often cached destination
	// resolutions are refreshed from the control plane.
	DefaultDiscoveryRefreshInterval = 30 * time.Second
)

// ErrNotAUrl is returned by ParseAddress when the given value is a plain
// address rather than a file:// or env:// indirection.
var ErrNotAUrl = parseutil.ErrNotAUrl

const devConfig = `
disable_mlock = true

proxy {
	name                = "dev-proxy"
	description         = "A default proxy created in dev mode"
	identity_name       = "dev.default.trellis.local"
	inbound_app_address = "127.0.0.1:8080"
}

listener "tcp" {
	purpose = "inbound"
	address = "127.0.0.1:0"
}

listener "tcp" {
	purpose = "outbound"
	address = "127.0.0.1:0"
}

listener "tcp" {
	purpose     = "ops"
	address     = "127.0.0.1:0"
	tls_disable = true
}

events {
	observations_enabled = true
	sysevents_enabled    = true

	sink "stderr" {
		format = "cloudevents-text"
	}
}
`

// Config is the configuration for a trellis daemon.
type Config struct {
	*configutil.SharedConfig `hcl:"-"`

	Proxy *Proxy `hcl:"-"`

	// Eventing is the parsed "events" stanza. When the stanza is absent the
	// default config (stderr sink, every event type) is used.
	Eventing *event.EventerConfig `hcl:"-"`

	// RateLimits are the parsed "rate_limit" stanzas.
	RateLimits ratelimit.Configs `hcl:"-"`

	// DevProxy is set when the config was generated for dev mode.
	DevProxy bool `hcl:"-"`

	LogLevel  string `hcl:"log_level"`
	LogFormat string `hcl:"log_format"`

	// Log file fields feed the server's hclog sink; max size is in MB.
	LogFile           string `hcl:"log_file"`
	LogRotateMaxSize  int    `hcl:"log_rotate_max_size"`
	LogRotateMaxFiles int    `hcl:"log_rotate_max_files"`
}

// Proxy is the "proxy" stanza: the data-plane identity and behavior of a
// single sidecar instance.
type Proxy struct {
	Name        string `hcl:"name"`
	Description string `hcl:"description"`

	// IdentityName is the local workload identity. Inbound TLS is terminated
	// only when the client's SNI matches this name.
	IdentityName string `hcl:"identity_name"`

	// InboundAppAddress is where inbound connections are forwarded, with the
	// original destination port overriding the configured port.
	InboundAppAddress string `hcl:"inbound_app_address"`

	ProtocolDetectionTimeout      time.Duration `hcl:"-"`
	ProtocolDetectionTimeoutHCL   string        `hcl:"protocol_detection_timeout"`
	DisableProtocolDetectionPorts []int         `hcl:"disable_protocol_detection_ports"`

	// GracefulShutdownWait is how long Shutdown waits for in-flight
	// connections to drain before closing them.
	GracefulShutdownWait    time.Duration `hcl:"-"`
	GracefulShutdownWaitHCL string        `hcl:"graceful_shutdown_wait_duration"`

	// PublicAddr supports file:// and env:// indirection and go-sockaddr
	// templates.
	PublicAddr string `hcl:"public_addr"`

	Identity  *Identity  `hcl:"identity"`
	Discovery *Discovery `hcl:"discovery"`

	Routes             []*Route             `hcl:"route"`
	StaticDestinations []*StaticDestination `hcl:"static_destination"`
}

// Identity is the "identity" block within the proxy stanza, naming the local
// TLS identity material on disk.
type Identity struct {
	CertFile string `hcl:"cert_file"`
	KeyFile  string `hcl:"key_file"`
	CAFile   string `hcl:"ca_file"`
}

// Discovery is the "discovery" block within the proxy stanza.
type Discovery struct {
	// Address is the control-plane discovery API base URL; supports file://
	// and env:// indirection.
	Address            string        `hcl:"address"`
	RefreshInterval    time.Duration `hcl:"-"`
	RefreshIntervalHCL string        `hcl:"refresh_interval"`
	DNSResolvers       []string      `hcl:"dns_resolvers"`
}

// Route is a labeled "route" block within the proxy stanza. Hosts are glob
// patterns matched against the authority; Condition is a bexpr predicate
// over request metadata.
type Route struct {
	Name       string        `hcl:",key"`
	Hosts      []string      `hcl:"hosts"`
	Condition  string        `hcl:"condition"`
	Timeout    time.Duration `hcl:"-"`
	TimeoutHCL string        `hcl:"timeout"`
	Forward    string        `hcl:"forward"`
}

// StaticDestination is a labeled "static_destination" block; its endpoints
// win over both discovery and DNS for the given authority.
type StaticDestination struct {
	Name      string   `hcl:",key"`
	Authority string   `hcl:"authority"`
	Endpoints []string `hcl:"endpoints"`
}

// New creates a new Config with an initialized SharedConfig.
func New() *Config {
	return &Config{
		SharedConfig: new(configutil.SharedConfig),
	}
}

// DevProxy produces a dev-mode Config: loopback listeners on random ports, a
// generated identity name, and a stderr event sink.
func DevProxy() (*Config, error) {
	parsed, err := Parse(devConfig)
	if err != nil {
		return nil, fmt.Errorf("error parsing dev config: %w", err)
	}
	parsed.DevProxy = true
	for _, l := range parsed.Listeners {
		l.RandomPort = true
	}
	return parsed, nil
}

// Load reads the given config files, concatenates them and parses the result.
func Load(ctx context.Context, paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("missing config file path")
	}
	var sb strings.Builder
	for _, path := range paths {
		d, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", path, err)
		}
		sb.Write(d)
		sb.WriteString("\n")
	}
	cfg, err := Parse(sb.String())
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// Parse parses a single HCL document into a Config.
func Parse(d string) (*Config, error) {
	obj, err := hcl.Parse(d)
	if err != nil {
		return nil, err
	}

	result := New()
	if err := hcl.DecodeObject(result, obj); err != nil {
		return nil, err
	}

	sharedConfig, err := configutil.ParseConfig(d)
	if err != nil {
		return nil, err
	}
	result.SharedConfig = sharedConfig

	list, ok := obj.Node.(*ast.ObjectList)
	if !ok {
		return nil, fmt.Errorf("error parsing: file doesn't contain a root object")
	}

	if err := result.parseProxy(list); err != nil {
		return nil, err
	}
	if err := result.parseEventing(list); err != nil {
		return nil, err
	}
	if err := result.parseRateLimits(list); err != nil {
		return nil, err
	}

	for _, l := range result.SharedConfig.Listeners {
		addr, err := expandAddress(l.Address)
		if err != nil {
			return nil, fmt.Errorf("error expanding listener address: %w", err)
		}
		l.Address = addr
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Config) parseProxy(list *ast.ObjectList) error {
	proxyList := list.Filter("proxy")
	switch len(proxyList.Items) {
	case 0:
		return nil
	case 1:
	default:
		return fmt.Errorf(`only one "proxy" block is allowed`)
	}
	item := proxyList.Items[0]

	proxy := new(Proxy)
	if err := hcl.DecodeObject(proxy, item.Val); err != nil {
		return fmt.Errorf(`error decoding "proxy" block: %w`, err)
	}

	proxy.ProtocolDetectionTimeout = DefaultProtocolDetectionTimeout
	if proxy.ProtocolDetectionTimeoutHCL != "" {
		dur, err := parseutil.ParseDurationSecond(proxy.ProtocolDetectionTimeoutHCL)
		if err != nil {
			return fmt.Errorf("error parsing protocol_detection_timeout %q: %w", proxy.ProtocolDetectionTimeoutHCL, err)
		}
		proxy.ProtocolDetectionTimeout = dur
	}

	if proxy.GracefulShutdownWaitHCL != "" {
		dur, err := parseutil.ParseDurationSecond(proxy.GracefulShutdownWaitHCL)
		if err != nil {
			return fmt.Errorf("error parsing graceful_shutdown_wait_duration %q: %w", proxy.GracefulShutdownWaitHCL, err)
		}
		proxy.GracefulShutdownWait = dur
	}

	for _, port := range proxy.DisableProtocolDetectionPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %d in disable_protocol_detection_ports", port)
		}
	}

	if proxy.InboundAppAddress != "" {
		addr, err := ParseAddress(proxy.InboundAppAddress)
		if err != nil && !errors.Is(err, ErrNotAUrl) {
			return fmt.Errorf("error parsing inbound_app_address: %w", err)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("inbound_app_address %q is not a host:port address: %w", addr, err)
		}
		proxy.InboundAppAddress = addr
	}

	if proxy.PublicAddr != "" {
		addr, err := ParseAddress(proxy.PublicAddr)
		if err != nil && !errors.Is(err, ErrNotAUrl) {
			return fmt.Errorf("error parsing public_addr: %w", err)
		}
		if addr, err = expandAddress(addr); err != nil {
			return fmt.Errorf("error expanding public_addr: %w", err)
		}
		proxy.PublicAddr = addr
	}

	if proxy.Discovery != nil {
		disc := proxy.Discovery
		disc.RefreshInterval = DefaultDiscoveryRefreshInterval
		if disc.RefreshIntervalHCL != "" {
			dur, err := parseutil.ParseDurationSecond(disc.RefreshIntervalHCL)
			if err != nil {
				return fmt.Errorf("error parsing discovery refresh_interval %q: %w", disc.RefreshIntervalHCL, err)
			}
			disc.RefreshInterval = dur
		}
		if disc.Address != "" {
			addr, err := ParseAddress(disc.Address)
			if err != nil && !errors.Is(err, ErrNotAUrl) {
				return fmt.Errorf("error parsing discovery address: %w", err)
			}
			disc.Address = addr
		}
	}

	for _, r := range proxy.Routes {
		if r.TimeoutHCL != "" {
			dur, err := parseutil.ParseDurationSecond(r.TimeoutHCL)
			if err != nil {
				return fmt.Errorf("error parsing timeout for route %q: %w", r.Name, err)
			}
			r.Timeout = dur
		}
		if r.Condition != "" {
			if _, err := bexpr.CreateEvaluator(r.Condition); err != nil {
				return fmt.Errorf("invalid condition for route %q: %w", r.Name, err)
			}
		}
	}

	c.Proxy = proxy
	return nil
}

func (c *Config) parseEventing(list *ast.ObjectList) error {
	eventList := list.Filter("events")
	switch len(eventList.Items) {
	case 0:
		c.Eventing = event.DefaultEventerConfig()
		return nil
	case 1:
	default:
		return fmt.Errorf(`only one "events" block is allowed`)
	}
	item := eventList.Items[0]

	eventing := event.DefaultEventerConfig()
	if err := hcl.DecodeObject(eventing, item.Val); err != nil {
		return fmt.Errorf(`error decoding "events" block: %w`, err)
	}

	eventObjType, ok := item.Val.(*ast.ObjectType)
	if !ok {
		return fmt.Errorf(`error interpreting "events" block as an object`)
	}
	sinkList := eventObjType.List.Filter("sink")
	if len(sinkList.Items) > 0 {
		// configured sinks replace the default stderr sink
		eventing.Sinks = nil
	}
	for i, sinkItem := range sinkList.Items {
		sink := event.SinkConfig{}
		if err := hcl.DecodeObject(&sink, sinkItem.Val); err != nil {
			return fmt.Errorf("error decoding event sink entry %d: %w", i, err)
		}
		switch {
		case sink.Type != "":
		case len(sinkItem.Keys) == 1:
			// the block label names the sink type
			typ, ok := sinkItem.Keys[0].Token.Value().(string)
			if !ok {
				return fmt.Errorf("event sink entry %d has a non-string label", i)
			}
			sink.Type = event.SinkType(typ)
		case sink.FileConfig != nil:
			sink.Type = event.FileSink
		default:
			sink.Type = event.StderrSink
		}
		sink.Type = event.SinkType(strings.ToLower(string(sink.Type)))

		if sink.Name == "" {
			sink.Name = fmt.Sprintf("sink-%d", i)
		}
		if len(sink.EventTypes) == 0 {
			sink.EventTypes = []event.Type{event.EveryType}
		}
		if sink.FileConfig != nil && sink.FileConfig.RotateDurationHCL != "" {
			dur, err := parseutil.ParseDurationSecond(sink.FileConfig.RotateDurationHCL)
			if err != nil {
				return fmt.Errorf("error parsing rotate_duration for event sink %q: %w", sink.Name, err)
			}
			sink.FileConfig.RotateDuration = dur
		}
		if err := sink.Validate(); err != nil {
			return fmt.Errorf("event sink %q is invalid: %w", sink.Name, err)
		}
		eventing.Sinks = append(eventing.Sinks, &sink)
	}

	c.Eventing = eventing
	return nil
}

func (c *Config) parseRateLimits(list *ast.ObjectList) error {
	rlList := list.Filter("rate_limit")
	if len(rlList.Items) == 0 {
		return nil
	}
	c.RateLimits = make(ratelimit.Configs, 0, len(rlList.Items))
	for i, item := range rlList.Items {
		var rl ratelimit.Config
		if err := hcl.DecodeObject(&rl, item.Val); err != nil {
			return fmt.Errorf("error decoding rate_limit entry %d: %w", i, err)
		}
		if len(rl.Resources) == 0 && len(item.Keys) == 1 {
			// the block label names the single resource
			if label, ok := item.Keys[0].Token.Value().(string); ok {
				rl.Resources = []string{label}
			}
		}
		if len(rl.Resources) == 0 {
			return fmt.Errorf("rate_limit entry %d: missing resources", i)
		}
		if len(rl.Actions) == 0 {
			rl.Actions = []string{ratelimit.ActionAll}
		}
		switch {
		case rl.Unlimited:
			if rl.Limit != 0 || rl.PeriodHCL != "" {
				return fmt.Errorf("rate_limit entry %d: unlimited cannot be combined with limit or period", i)
			}
		default:
			if rl.Limit <= 0 {
				return fmt.Errorf("rate_limit entry %d: limit must be greater than zero", i)
			}
			if rl.PeriodHCL == "" {
				return fmt.Errorf("rate_limit entry %d: missing period", i)
			}
			dur, err := parseutil.ParseDurationSecond(rl.PeriodHCL)
			if err != nil {
				return fmt.Errorf("error parsing period for rate_limit entry %d: %w", i, err)
			}
			if dur <= 0 {
				return fmt.Errorf("rate_limit entry %d: period must be greater than zero", i)
			}
			rl.Period = dur
		}
		c.RateLimits = append(c.RateLimits, &rl)
	}
	return nil
}

// Validate checks cross-listener and cross-stanza constraints after parsing.
func (c *Config) Validate() error {
	purposes := make(map[string]bool, len(c.Listeners))
	addrs := make(map[string]string, len(c.Listeners))
	for i, l := range c.Listeners {
		for _, p := range l.Purpose {
			if purposes[p] {
				return fmt.Errorf("listener %d: duplicate listener purpose %q", i, p)
			}
			purposes[p] = true
		}
		if l.Address == "" || l.RandomPort {
			continue
		}
		host, port, err := net.SplitHostPort(l.Address)
		if err != nil || port == "0" {
			continue
		}
		key := net.JoinHostPort(host, port)
		if prev, ok := addrs[key]; ok {
			return fmt.Errorf("listener address %s is used by both the %s listener and the %s listener",
				key, prev, strings.Join(l.Purpose, ","))
		}
		addrs[key] = strings.Join(l.Purpose, ",")
	}

	if c.Proxy == nil {
		return nil
	}

	if id := c.Proxy.Identity; id != nil {
		if id.CertFile == "" || id.KeyFile == "" || id.CAFile == "" {
			return fmt.Errorf(`the "identity" block requires cert_file, key_file and ca_file`)
		}
	}

	routeNames := make(map[string]bool, len(c.Proxy.Routes))
	for _, r := range c.Proxy.Routes {
		if r.Name == "" {
			return fmt.Errorf("route block is missing a name")
		}
		if routeNames[r.Name] {
			return fmt.Errorf("duplicate route %q", r.Name)
		}
		routeNames[r.Name] = true
	}

	sdNames := make(map[string]bool, len(c.Proxy.StaticDestinations))
	for _, sd := range c.Proxy.StaticDestinations {
		if sd.Name == "" {
			return fmt.Errorf("static_destination block is missing a name")
		}
		if sdNames[sd.Name] {
			return fmt.Errorf("duplicate static_destination %q", sd.Name)
		}
		sdNames[sd.Name] = true
		if sd.Authority == "" {
			return fmt.Errorf("static_destination %q is missing an authority", sd.Name)
		}
		if len(sd.Endpoints) == 0 {
			return fmt.Errorf("static_destination %q has no endpoints", sd.Name)
		}
	}

	return nil
}

// Sanitized returns a map of the config values that are safe to print.
func (c *Config) Sanitized() map[string]interface{} {
	// Create shared config if it doesn't exist (e.g. in tests) so that map
	// keys are actually populated
	if c.SharedConfig == nil {
		c.SharedConfig = new(configutil.SharedConfig)
	}
	sharedResult := c.SharedConfig.Sanitized()
	result := make(map[string]interface{}, len(sharedResult)+1)
	for k, v := range sharedResult {
		result[k] = v
	}
	if c.Proxy != nil {
		result["proxy"] = map[string]interface{}{
			"name":          c.Proxy.Name,
			"identity_name": c.Proxy.IdentityName,
		}
	}
	return result
}

// ParseAddress resolves file:// and env:// indirection in an address value.
// It returns ErrNotAUrl (along with the trimmed input) when the value is a
// plain address.
func ParseAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	out, err := parseutil.ParsePath(addr)
	switch {
	case err == nil:
		return strings.TrimSpace(out), nil
	case errors.Is(err, ErrNotAUrl):
		return strings.TrimSpace(out), ErrNotAUrl
	default:
		return "", err
	}
}

// expandAddress renders a go-sockaddr template if the address contains one.
func expandAddress(addr string) (string, error) {
	if !strings.Contains(addr, "{{") {
		return addr, nil
	}
	out, err := template.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("error rendering address template %q: %w", addr, err)
	}
	return strings.TrimSpace(out), nil
}
