package route

import (
	"net"
	"testing"
)

func TestLookupOrder(t *testing.T) {
	tbl := NewTable()
	if err := tbl.AddRule("*.interno.example", "", "", "lmtp:unix:/run/lda.sock"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddRule("*.example", "", "", "relay:smart.example:25"); err != nil {
		t.Fatal(err)
	}

	// First rule wins.
	tgt := tbl.Lookup("mail.interno.example", "a@b", nil)
	if tgt.Kind != LMTP {
		t.Errorf("expected lmtp, got %v", tgt)
	}

	tgt = tbl.Lookup("otro.example", "a@b", nil)
	if tgt.Kind != Relay || tgt.Addr != "smart.example:25" {
		t.Errorf("expected relay, got %v", tgt)
	}

	// No match: default is MX.
	tgt = tbl.Lookup("ajeno.org", "a@b", nil)
	if tgt.Kind != MX {
		t.Errorf("expected mx, got %v", tgt)
	}
}

func TestSenderAndIPMatch(t *testing.T) {
	tbl := NewTable()
	if err := tbl.AddRule("", "*@vip.example", "", "relay:rapido.example:25"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddRule("", "", "10.0.0.0/8", "relay:interno.example:25"); err != nil {
		t.Fatal(err)
	}

	tgt := tbl.Lookup("x.org", "jefa@vip.example", nil)
	if tgt.Addr != "rapido.example:25" {
		t.Errorf("sender match failed: %v", tgt)
	}

	tgt = tbl.Lookup("x.org", "otro@y", net.ParseIP("10.1.2.3"))
	if tgt.Addr != "interno.example:25" {
		t.Errorf("IP match failed: %v", tgt)
	}

	tgt = tbl.Lookup("x.org", "otro@y", net.ParseIP("192.0.2.1"))
	if tgt.Kind != MX {
		t.Errorf("expected default, got %v", tgt)
	}
}

func TestParseTarget(t *testing.T) {
	good := []struct {
		s    string
		kind Kind
	}{
		{"mx", MX},
		{"relay:h:25", Relay},
		{"lmtp:unix:/run/x.sock", LMTP},
		{"lmtp:tcp:localhost:2424", LMTP},
	}
	for _, c := range good {
		tgt, err := ParseTarget(c.s)
		if err != nil || tgt.Kind != c.kind {
			t.Errorf("ParseTarget(%q) = %v, %v", c.s, tgt, err)
		}
	}

	bad := []string{"", "mx:extra", "relay", "lmtp:/run/x", "teleport:x"}
	for _, s := range bad {
		if _, err := ParseTarget(s); err == nil {
			t.Errorf("ParseTarget(%q) should have failed", s)
		}
	}
}

func TestAddRuleErrors(t *testing.T) {
	tbl := NewTable()
	cases := [][4]string{
		{"[", "", "", "mx"},
		{"", "[", "", "mx"},
		{"", "", "not-cidr", "mx"},
		{"", "", "", "bogus"},
	}
	for _, c := range cases {
		if err := tbl.AddRule(c[0], c[1], c[2], c[3]); err == nil {
			t.Errorf("AddRule(%v) should have failed", c)
		}
	}
}
