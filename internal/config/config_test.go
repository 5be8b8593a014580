package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arrieromail/arriero/internal/testlib"
)

func mustLoad(t *testing.T, contents string) *Config {
	t.Helper()
	dir := testlib.MustTempDir(t)
	path := filepath.Join(dir, "arriero.toml")
	testlib.Rewrite(t, path, contents)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func TestDefaults(t *testing.T) {
	c := mustLoad(t, `hostname = "mx.example.com"`)

	if c.Hostname != "mx.example.com" {
		t.Errorf("hostname: %q", c.Hostname)
	}
	if c.MaxDataSizeMb != 50 {
		t.Errorf("max data size: %d", c.MaxDataSizeMb)
	}
	if c.GiveUpAfter() != 120*time.Hour {
		t.Errorf("give up after: %v", c.GiveUpAfter())
	}
	if c.ReportInterval() != 24*time.Hour {
		t.Errorf("report interval: %v", c.ReportInterval())
	}
	if c.Aliases.SuffixSeparators != "+" {
		t.Errorf("suffix separators: %q", c.Aliases.SuffixSeparators)
	}
}

func TestFull(t *testing.T) {
	c := mustLoad(t, `
hostname = "mx.example.com"
max_data_size_mb = 10
data_dir = "/tmp/arriero"

[listeners]
smtp = [":1025"]
submission = [":1587"]
monitoring = "127.0.0.1:1099"

[queue]
max_items = 99
give_up_after = "48h"

[domains."example.com"]
userdb = "users/example.com"
aliases = "aliases/example.com"

[domains."example.com".dkim_keys]
sel1 = "keys/example.com/sel1.pem"

[[rule]]
stage = "connect"
when = "ratelimit(ip,60,1m)"
action = "reject 421 4.7.0 Too many connections"

[[route]]
rcpt_domain = "*.interno.example"
target = "lmtp:unix:/run/lda.sock"
`)

	if c.Queue.MaxItems != 99 || c.GiveUpAfter() != 48*time.Hour {
		t.Errorf("queue settings: %+v", c.Queue)
	}
	if len(c.Domains) != 1 {
		t.Fatalf("domains: %+v", c.Domains)
	}
	d := c.Domains["example.com"]
	if d.UserDB != "users/example.com" || d.DKIMKeys["sel1"] == "" {
		t.Errorf("domain: %+v", d)
	}
	if len(c.Rules) != 1 || c.Rules[0].Stage != "connect" {
		t.Errorf("rules: %+v", c.Rules)
	}
	if len(c.Routes) != 1 || c.Routes[0].Target != "lmtp:unix:/run/lda.sock" {
		t.Errorf("routes: %+v", c.Routes)
	}
}

func TestErrors(t *testing.T) {
	dir := testlib.MustTempDir(t)

	// Missing file.
	if _, err := Load(filepath.Join(dir, "nonexistent")); err == nil {
		t.Errorf("expected error loading missing file")
	}

	cases := []string{
		`this is not valid toml`,
		"[queue]\ngive_up_after = \"cinco dias\"\n",
		"[reports]\ninterval = \"un rato\"\n",
		"[[rule]]\nstage = \"takeoff\"\nwhen = \"all\"\naction = \"accept\"\n",
		"outbound_source_ip = \"not-an-ip\"\n",
	}
	for i, contents := range cases {
		path := filepath.Join(dir, "arriero.toml")
		testlib.Rewrite(t, path, contents)
		if _, err := Load(path); err == nil {
			t.Errorf("case %d: expected load error", i)
		}
	}
}
