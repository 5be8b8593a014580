package haproxy

import (
	"bufio"
	"strings"
	"testing"
)

func TestHandshake(t *testing.T) {
	src, dst, err := Handshake(bufio.NewReader(strings.NewReader(
		"PROXY TCP4 192.0.2.1 192.0.2.2 1234 25\r\nEHLO x\r\n")))
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if src.String() != "192.0.2.1:1234" {
		t.Errorf("unexpected src: %v", src)
	}
	if dst.String() != "192.0.2.2:25" {
		t.Errorf("unexpected dst: %v", dst)
	}
}

func TestHandshakeErrors(t *testing.T) {
	cases := []string{
		"",
		"nonsense\r\n",
		"PROXY\r\n",
		"PROXY UNIX a b 1 2\r\n",
		"PROXY TCP4 a b\r\n",
		"PROXY TCP4 bad-ip 192.0.2.2 1 2\r\n",
		"PROXY TCP4 192.0.2.1 bad-ip 1 2\r\n",
		"PROXY TCP4 192.0.2.1 192.0.2.2 badport 2\r\n",
		"PROXY TCP4 192.0.2.1 192.0.2.2 1 badport\r\n",
	}
	for _, c := range cases {
		if _, _, err := Handshake(bufio.NewReader(strings.NewReader(c))); err == nil {
			t.Errorf("Handshake(%q) should have failed", c)
		}
	}
}
