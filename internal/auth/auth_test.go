package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
)

func TestDecodeResponse(t *testing.T) {
	// Successful cases. Note we hard-code the response for extra assurance.
	cases := []struct {
		response, user, domain, passwd string
	}{
		{"dUBkAHVAZABwYXNz", "u", "d", "pass"},       // u@d\0u@d\0pass
		{"dUBkAHVAZABwYXNz/w==", "u", "d", "pass\xff"}, // u@d\0u@d\0pass\xff
		{"AHVAZABwYXNz", "u", "d", "pass"},           // \0u@d\0pass
		{"dUBkAABwYXNz", "u", "d", "pass"},           // u@d\0\0pass

		// "ñaca@ñeque\0\0clavaré"
		{"w7FhY2FAw7FlcXVlAABjbGF2YXLDqQ==", "ñaca", "ñeque", "clavaré"},
	}
	for _, c := range cases {
		u, d, p, err := DecodeResponse(c.response)
		if err != nil {
			t.Errorf("error in case %v: %v", c, err)
		}

		if u != c.user || d != c.domain || p != c.passwd {
			t.Errorf("expected %q %q %q, got %q %q %q",
				c.user, c.domain, c.passwd, u, d, p)
		}
	}

	failedCases := []string{
		"", "\x00", "\x00\x00", "\x00\x00\x00", "\x00\x00\x00\x00",
		"a\x00b", "a\x00b\x00c", "a@a\x00b@b\x00pass", "x\x00a@a\x00pass",
	}
	for _, c := range failedCases {
		r := base64.StdEncoding.EncodeToString([]byte(c))
		_, _, _, err := DecodeResponse(r)
		if err == nil {
			t.Errorf("expected error in case %q (encoded: %q)", c, r)
		}
	}

	if _, _, _, err := DecodeResponse("this is not base64 encoded"); err == nil {
		t.Errorf("invalid base64 did not fail as expected")
	}
}

// Fake backend for testing, with a single user.
type fakeBackend struct {
	user   string
	passwd string
}

func (b *fakeBackend) Authenticate(user, password string) (bool, error) {
	return user == b.user && password == b.passwd, nil
}

func (b *fakeBackend) Exists(user string) (bool, error) {
	return user == b.user, nil
}

func (b *fakeBackend) Reload() error { return nil }

func (b *fakeBackend) PlainPassword(user string) (string, bool) {
	if user == b.user {
		return b.passwd, true
	}
	return "", false
}

func testAuthenticator() *Authenticator {
	a := NewAuthenticator()
	a.AuthDuration = time.Millisecond
	a.Register("dom", &fakeBackend{user: "pepe", passwd: "pass"})
	return a
}

func TestAuthenticate(t *testing.T) {
	a := testAuthenticator()

	if ok, err := a.Authenticate("pepe", "dom", "pass"); !ok || err != nil {
		t.Errorf("valid user rejected: %v %v", ok, err)
	}
	if ok, _ := a.Authenticate("pepe", "dom", "bad"); ok {
		t.Errorf("bad password accepted")
	}
	if ok, _ := a.Authenticate("pepe", "other", "pass"); ok {
		t.Errorf("unknown domain accepted")
	}

	if ok, err := a.Exists("pepe", "dom"); !ok || err != nil {
		t.Errorf("existing user not found: %v %v", ok, err)
	}
	if ok, _ := a.Exists("nadie", "dom"); ok {
		t.Errorf("unknown user found")
	}
}

func TestAuthenticateTiming(t *testing.T) {
	a := testAuthenticator()
	a.AuthDuration = 50 * time.Millisecond

	start := time.Now()
	a.Authenticate("pepe", "dom", "bad")
	if elapsed := time.Since(start); elapsed < a.AuthDuration {
		t.Errorf("auth took %v, less than the minimum %v",
			elapsed, a.AuthDuration)
	}
}

func runSASL(t *testing.T, srv sasl.Server, responses ...[]byte) error {
	t.Helper()
	// Initial nil to get the first challenge (ignored by client-first
	// mechanisms).
	if _, done, err := srv.Next(nil); done || err != nil {
		return err
	}

	for i, resp := range responses {
		_, done, err := srv.Next(resp)
		if err != nil {
			return err
		}
		if done != (i == len(responses)-1) {
			t.Fatalf("unexpected done=%v at response %d", done, i)
		}
	}
	return nil
}

func TestSASLPlain(t *testing.T) {
	a := testAuthenticator()

	srv, ident, err := a.NewSASLServer("PLAIN", "host")
	if err != nil {
		t.Fatalf("NewSASLServer: %v", err)
	}

	err = runSASL(t, srv, []byte("\x00pepe@dom\x00pass"))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if ident.User != "pepe" || ident.Domain != "dom" {
		t.Errorf("unexpected identity: %v", ident)
	}

	// Wrong password.
	srv, _, _ = a.NewSASLServer("PLAIN", "host")
	err = runSASL(t, srv, []byte("\x00pepe@dom\x00bad"))
	if !errors.Is(err, ErrFailed) {
		t.Errorf("expected ErrFailed, got %v", err)
	}
}

func TestSASLLogin(t *testing.T) {
	a := testAuthenticator()

	srv, ident, err := a.NewSASLServer("login", "host")
	if err != nil {
		t.Fatalf("NewSASLServer: %v", err)
	}

	err = runSASL(t, srv, []byte("pepe@dom"), []byte("pass"))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if ident.String() != "pepe@dom" {
		t.Errorf("unexpected identity: %v", ident)
	}
}

func TestSASLCramMD5(t *testing.T) {
	a := testAuthenticator()

	srv, ident, err := a.NewSASLServer(CRAMMD5, "host")
	if err != nil {
		t.Fatalf("NewSASLServer: %v", err)
	}

	challenge, done, err := srv.Next(nil)
	if done || err != nil {
		t.Fatalf("challenge: done=%v err=%v", done, err)
	}

	mac := hmac.New(md5.New, []byte("pass"))
	mac.Write(challenge)
	resp := "pepe@dom " + hex.EncodeToString(mac.Sum(nil))

	_, done, err = srv.Next([]byte(resp))
	if !done || err != nil {
		t.Fatalf("response: done=%v err=%v", done, err)
	}
	if ident.String() != "pepe@dom" {
		t.Errorf("unexpected identity: %v", ident)
	}

	// A wrong digest must fail.
	srv, _, _ = a.NewSASLServer(CRAMMD5, "host")
	srv.Next(nil)
	_, _, err = srv.Next([]byte("pepe@dom 00112233445566778899aabbccddeeff"))
	if !errors.Is(err, ErrFailed) {
		t.Errorf("expected ErrFailed, got %v", err)
	}
}

func TestSASLUnknown(t *testing.T) {
	a := testAuthenticator()
	if _, _, err := a.NewSASLServer("GSSAPI", "host"); err != ErrUnknownMechanism {
		t.Errorf("expected ErrUnknownMechanism, got %v", err)
	}
}
