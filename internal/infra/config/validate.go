package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateInventory(cfg, ve)
	validateDevices(cfg, ve)
	validateRetry(cfg, ve)
	validateRemediation(cfg, ve)
	validateIncidents(cfg, ve)
	validateNotify(cfg, ve)
	validateServer(cfg, ve)
	validateSchedule(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	case "otlp":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the otlp exporter")
		}
	default:
		ve.Add("tracer.exporter %q must be stdout, otlp or noop", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}

func validateInventory(cfg *Config, ve *ValidationError) {
	if cfg.Inventory.Timeout <= 0 {
		ve.Add("inventory.timeout must be > 0")
	}
	switch cfg.Inventory.Backend {
	case "netbox":
		// An unset URL is allowed so that defaults load; commands that need
		// the inventory report the missing URL when they build the client.
		if u := cfg.Inventory.NetBox.URL; u != "" {
			if _, err := url.ParseRequestURI(u); err != nil {
				ve.Add("inventory.netbox.url %q is invalid: %v", u, err)
			}
		}
	case "static":
		ids := make(map[string]bool)
		for i, d := range cfg.Inventory.Static {
			if d.Name == "" {
				ve.Add("inventory.static[%d].name must not be empty", i)
			}
			id := d.ID
			if id == "" {
				id = d.Name
			}
			if ids[id] {
				ve.Add("inventory.static[%d] duplicate id %q", i, id)
			}
			ids[id] = true
			for j, ifc := range d.Interfaces {
				if ifc.Name == "" {
					ve.Add("inventory.static[%d].interfaces[%d].name must not be empty", i, j)
				}
				if ifc.Address != "" {
					if _, err := netip.ParsePrefix(ifc.Address); err != nil {
						ve.Add("inventory.static[%d].interfaces[%d].address %q must be CIDR (10.0.0.1/24)", i, j, ifc.Address)
					}
				}
			}
		}
	default:
		ve.Add("inventory.backend %q must be netbox or static", cfg.Inventory.Backend)
	}
}

var validTransports = map[string]bool{"ssh": true, "snmp": true, "lab": true}

func validateDevices(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool)
	for i, d := range cfg.Devices {
		if d.Name == "" {
			ve.Add("devices[%d].name must not be empty", i)
		}
		if names[d.Name] {
			ve.Add("devices[%d] duplicate name %q", i, d.Name)
		}
		names[d.Name] = true
		if !validTransports[d.Transport] {
			ve.Add("devices[%d].transport %q must be ssh, snmp or lab", i, d.Transport)
			continue
		}
		if d.CommandsPerSecond < 0 {
			ve.Add("devices[%d].commands_per_second must be >= 0", i)
		}
		switch d.Transport {
		case "ssh":
			if d.Address == "" {
				ve.Add("devices[%d].address is required for ssh", i)
			} else if _, _, err := net.SplitHostPort(withDefaultPort(d.Address, "22")); err != nil {
				ve.Add("devices[%d].address %q is invalid: %v", i, d.Address, err)
			}
			if d.Username == "" {
				ve.Add("devices[%d].username is required for ssh", i)
			}
			if d.Password == "" && d.PrivateKeyPath == "" {
				ve.Add("devices[%d] needs a password or private_key_path", i)
			}
			if !d.InsecureHostKey && d.KnownHostsPath == "" {
				ve.Add("devices[%d] needs known_hosts_path or insecure_host_key", i)
			}
		case "snmp":
			if d.Address == "" {
				ve.Add("devices[%d].address is required for snmp", i)
			}
			if d.Community == "" {
				ve.Add("devices[%d].community is required for snmp", i)
			}
		case "lab":
			if d.Lab == nil {
				ve.Add("devices[%d].lab is required for the lab transport", i)
			}
		}
	}
}

func withDefaultPort(addr, port string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, port)
}

func validateRetry(cfg *Config, ve *ValidationError) {
	if cfg.Retry.MaxAttempts == 0 {
		ve.Add("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.InitialInterval <= 0 {
		ve.Add("retry.initial_interval must be > 0")
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		ve.Add("retry.max_interval must be >= retry.initial_interval")
	}
}

func validateRemediation(cfg *Config, ve *ValidationError) {
	r := cfg.Remediation
	if r.MaxRetries < 0 {
		ve.Add("remediation.max_retries must be >= 0")
	}
	if r.DispatchConcurrency <= 0 {
		ve.Add("remediation.dispatch_concurrency must be > 0")
	}
	if r.TaskTimeout <= 0 {
		ve.Add("remediation.task_timeout must be > 0")
	}
	if r.CallTimeout <= 0 {
		ve.Add("remediation.call_timeout must be > 0")
	}
	if r.QueueDepth <= 0 {
		ve.Add("remediation.queue_depth must be > 0")
	}
}

func validateIncidents(cfg *Config, ve *ValidationError) {
	switch cfg.Incidents.Backend {
	case "memory":
	case "servicenow":
		sn := cfg.Incidents.ServiceNow
		switch sn.Table {
		case "incident", "problem":
		default:
			ve.Add("incidents.servicenow.table %q must be incident or problem", sn.Table)
		}
		if sn.Timeout <= 0 {
			ve.Add("incidents.servicenow.timeout must be > 0")
		}
		if sn.URL != "" {
			if _, err := url.ParseRequestURI(sn.URL); err != nil {
				ve.Add("incidents.servicenow.url %q is invalid: %v", sn.URL, err)
			}
		}
	default:
		ve.Add("incidents.backend %q must be servicenow or memory", cfg.Incidents.Backend)
	}
}

func validateNotify(cfg *Config, ve *ValidationError) {
	n := cfg.Notify
	switch n.Backend {
	case "log":
	case "smtp":
		if n.SMTP.Host == "" {
			ve.Add("notify.smtp.host is required for the smtp backend")
		}
		if n.SMTP.From == "" {
			ve.Add("notify.smtp.from is required for the smtp backend")
		}
		switch n.SMTP.TLS {
		case "mandatory", "opportunistic", "none":
		default:
			ve.Add("notify.smtp.tls %q must be mandatory, opportunistic or none", n.SMTP.TLS)
		}
	case "slack":
		if n.Slack.Token == "" {
			ve.Add("notify.slack.token is required for the slack backend")
		}
	case "discord":
		if n.Discord.Token == "" {
			ve.Add("notify.discord.token is required for the discord backend")
		}
	default:
		ve.Add("notify.backend %q must be smtp, slack, discord or log", n.Backend)
	}
	if n.Backend != "log" && n.Recipient == "" {
		ve.Add("notify.recipient is required for the %s backend", n.Backend)
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is invalid: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.RequestTimeout <= 0 {
		ve.Add("server.request_timeout must be > 0")
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerMinute < 0 || rl.Burst < 0 {
		ve.Add("server.rate_limit values must be >= 0")
	} else if rl.RequestsPerMinute > 0 && rl.Burst == 0 {
		ve.Add("server.rate_limit.burst must be > 0 when requests_per_minute is set")
	}
	for i, t := range cfg.Server.Tokens {
		if t.Name == "" || t.Token == "" {
			ve.Add("server.tokens[%d] needs a name and a token", i)
		}
	}
}

func validateSchedule(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool)
	for i, c := range cfg.Schedule.Checks {
		if c.Name == "" {
			ve.Add("schedule.checks[%d].name must not be empty", i)
		}
		if names[c.Name] {
			ve.Add("schedule.checks[%d] duplicate name %q", i, c.Name)
		}
		names[c.Name] = true
		if c.Cron == "" {
			ve.Add("schedule.checks[%d].cron must not be empty", i)
		}
		if len(c.Endpoints) < 2 {
			ve.Add("schedule.checks[%d] needs at least two endpoints", i)
		}
	}
}
