package normalize

import (
	"bytes"
	"testing"
)

func TestUser(t *testing.T) {
	valid := []struct{ user, norm string }{
		{"ÑAndÚ", "ñandú"},
		{"Pingüino", "pingüino"},
		{"pérez", "pérez"}, // Transform to NFC form.
	}
	for _, c := range valid {
		nu, err := User(c.user)
		if nu != c.norm {
			t.Errorf("%q normalized to %q, expected %q", c.user, nu, c.norm)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.user, err)
		}
	}

	invalid := []string{
		"á é", "a\te", "x ", "x\xa0y", "x\x85y", "x\vy", "x\fy", "x\ry",
		"henryⅣ", "♚", "¹",
	}
	for _, u := range invalid {
		nu, err := User(u)
		if err == nil {
			t.Errorf("expected User(%+q) to fail, but did not", u)
		}
		if nu != u {
			t.Errorf("%+q failed norm, but returned %+q", u, nu)
		}
	}
}

func TestDomain(t *testing.T) {
	valid := []struct{ domain, norm string }{
		{"ÑAndÚ", "ñandú"},
		{"Pingüino", "pingüino"},
		{"pérez", "pérez"}, // Transform to NFC form.
		{"xn--aaa-5na", "aaùa"},  // Decode punycode.
	}
	for _, c := range valid {
		nd, err := Domain(c.domain)
		if nd != c.norm {
			t.Errorf("%q normalized to %q, expected %q", c.domain, nd, c.norm)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.domain, err)
		}
	}
}

func TestAddr(t *testing.T) {
	valid := []struct{ addr, norm string }{
		{"ÑAndÚ@pampa", "ñandú@pampa"},
		{"Pingüino@patagonia", "pingüino@patagonia"},
		{"pérez@lérez", "pérez@lérez"},
	}
	for _, c := range valid {
		na, err := Addr(c.addr)
		if na != c.norm {
			t.Errorf("%q normalized to %q, expected %q", c.addr, na, c.norm)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.addr, err)
		}
	}
}

func TestToCRLF(t *testing.T) {
	cases := []struct{ in, out string }{
		{"", ""},
		{"a", "a"},
		{"a\n", "a\r\n"},
		{"a\nb", "a\r\nb"},
		{"a\r\nb", "a\r\nb"},
		{"a\r\nb\n", "a\r\nb\r\n"},
		{"a\nb\r\nc\n", "a\r\nb\r\nc\r\n"},
	}

	for _, c := range cases {
		got := ToCRLF([]byte(c.in))
		if !bytes.Equal(got, []byte(c.out)) {
			t.Errorf("ToCRLF(%q) = %q, expected %q", c.in, got, c.out)
		}
	}
}
