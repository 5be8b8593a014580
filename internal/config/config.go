// Package config implements the daemon configuration.
//
// The configuration lives in a single TOML file; defaults are applied
// before parsing, and the result is validated after.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration.
type Config struct {
	// Hostname to use in banners and headers. Defaults to the system's.
	Hostname string `toml:"hostname"`

	// Maximum accepted message size, in megabytes.
	MaxDataSizeMb int64 `toml:"max_data_size_mb"`

	// Directory where state lives (queue, domaininfo, reports).
	DataDir string `toml:"data_dir"`

	// Mail log destination: a path, "<syslog>", or "<stdout>".
	MailLogPath string `toml:"mail_log_path"`

	// Directory with one subdirectory per certificate, each containing
	// fullchain.pem and privkey.pem (like letsencrypt's layout).
	CertDir string `toml:"cert_dir"`

	// Directory with the hook executables (e.g. "post-data").
	HooksDir string `toml:"hooks_dir"`

	// Accept the HAProxy protocol on incoming connections.
	HAProxyIncoming bool `toml:"haproxy_incoming"`

	// Local IP address to dial outgoing connections from. Empty lets the
	// kernel pick. It is part of the delivery concurrency and connection
	// reuse keys.
	OutboundSourceIP string `toml:"outbound_source_ip"`

	Listeners Listeners `toml:"listeners"`
	Queue     Queue     `toml:"queue"`
	Aliases   Aliases   `toml:"aliases"`
	DNS       DNS       `toml:"dns"`
	Reports   Reports   `toml:"reports"`

	// Domains we receive mail for. Key is the domain name.
	Domains map[string]Domain `toml:"domains"`

	// Policy rules, evaluated in order within each stage.
	Rules []Rule `toml:"rule"`

	// Routing table entries, evaluated in order.
	Routes []Route `toml:"route"`
}

// Listeners are the addresses we listen on, per mode. The special value
// "systemd" uses socket activation.
type Listeners struct {
	SMTP          []string `toml:"smtp"`
	Submission    []string `toml:"submission"`
	SubmissionTLS []string `toml:"submission_tls"`
	Monitoring    string   `toml:"monitoring"`
}

// Queue settings.
type Queue struct {
	MaxItems     int    `toml:"max_items"`
	GiveUpAfter  string `toml:"give_up_after"`
	MaxPerTarget int64  `toml:"max_per_target"`
}

// Aliases settings.
type Aliases struct {
	SuffixSeparators string `toml:"suffix_separators"`
	DropCharacters   string `toml:"drop_characters"`
}

// DNS settings.
type DNS struct {
	// Upstream servers, as host:port. Empty uses /etc/resolv.conf.
	Servers []string `toml:"servers"`
}

// Reports settings.
type Reports struct {
	Interval string `toml:"interval"`
}

// Domain holds the per-domain files and keys.
type Domain struct {
	UserDB  string `toml:"userdb"`
	Aliases string `toml:"aliases"`

	// DKIM signing keys: selector -> PEM key path.
	DKIMKeys map[string]string `toml:"dkim_keys"`
}

// Rule is one policy rule.
type Rule struct {
	Stage  string `toml:"stage"`
	When   string `toml:"when"`
	Action string `toml:"action"`
}

// Route is one routing table entry.
type Route struct {
	RcptDomain string `toml:"rcpt_domain"`
	Sender     string `toml:"sender"`
	SourceCIDR string `toml:"source_cidr"`
	Target     string `toml:"target"`
}

var defaultConfig = Config{
	MaxDataSizeMb: 50,
	DataDir:       "/var/lib/arriero",
	MailLogPath:   "<syslog>",
	CertDir:       "certs",
	HooksDir:      "hooks",

	Listeners: Listeners{
		SMTP:          []string{"systemd"},
		Submission:    []string{"systemd"},
		SubmissionTLS: []string{"systemd"},
	},

	Queue: Queue{
		MaxItems:     200,
		GiveUpAfter:  "120h",
		MaxPerTarget: 5,
	},

	Aliases: Aliases{
		SuffixSeparators: "+",
		DropCharacters:   ".",
	},

	Reports: Reports{
		Interval: "24h",
	},
}

// Load the config from the given file.
func Load(path string) (*Config, error) {
	// Start from a copy of the defaults, and unmarshal on top of it.
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	if err := toml.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}

	// Handle hostname separately, because if it is set, we don't need to
	// call os.Hostname which can fail.
	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if _, err := time.ParseDuration(c.Queue.GiveUpAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid queue.give_up_after value %q: %v",
			c.Queue.GiveUpAfter, err)
	}
	if _, err := time.ParseDuration(c.Reports.Interval); err != nil {
		return nil, fmt.Errorf(
			"invalid reports.interval value %q: %v", c.Reports.Interval, err)
	}

	if c.OutboundSourceIP != "" && net.ParseIP(c.OutboundSourceIP) == nil {
		return nil, fmt.Errorf(
			"invalid outbound_source_ip %q", c.OutboundSourceIP)
	}

	for i, r := range c.Rules {
		switch r.Stage {
		case "connect", "ehlo", "auth", "mail", "rcpt", "data":
		default:
			return nil, fmt.Errorf("rule %d: unknown stage %q", i, r.Stage)
		}
	}

	return &c, nil
}

// GiveUpAfter returns the parsed queue.give_up_after duration.
func (c *Config) GiveUpAfter() time.Duration {
	// We validate the string value at config load time, so we know it is
	// well formed.
	d, _ := time.ParseDuration(c.Queue.GiveUpAfter)
	return d
}

// ReportInterval returns the parsed reports.interval duration.
func (c *Config) ReportInterval() time.Duration {
	d, _ := time.ParseDuration(c.Reports.Interval)
	return d
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMb)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Certificates directory: %q", c.CertDir)
	log.Infof("  Hooks directory: %q", c.HooksDir)
	log.Infof("  SMTP addresses: %q", c.Listeners.SMTP)
	log.Infof("  Submission addresses: %q", c.Listeners.Submission)
	log.Infof("  Submission+TLS addresses: %q", c.Listeners.SubmissionTLS)
	log.Infof("  Monitoring address: %q", c.Listeners.Monitoring)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  HAProxy incoming: %v", c.HAProxyIncoming)
	log.Infof("  Outbound source IP: %q", c.OutboundSourceIP)
	log.Infof("  Queue: max %d items, give up after %s",
		c.Queue.MaxItems, c.GiveUpAfter())
	log.Infof("  Suffix separators: %q", c.Aliases.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.Aliases.DropCharacters)
	log.Infof("  Domains: %d", len(c.Domains))
	log.Infof("  Policy rules: %d", len(c.Rules))
	log.Infof("  Routes: %d", len(c.Routes))
}
