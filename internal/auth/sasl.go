package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// CRAMMD5 is the mechanism name for CRAM-MD5, which go-sasl does not define.
const CRAMMD5 = "CRAM-MD5"

// Mechanisms we can serve, in the order we advertise them.
var Mechanisms = []string{sasl.Plain, sasl.Login, CRAMMD5, sasl.OAuthBearer}

// Errors returned by the SASL servers.
var (
	ErrUnknownMechanism = errors.New("unknown authentication mechanism")
	ErrInvalidResponse  = errors.New("invalid authentication response")
	ErrFailed           = errors.New("incorrect user or password")
)

// Identity is filled in by a SASL server upon successful authentication.
type Identity struct {
	User   string
	Domain string
}

func (i *Identity) String() string {
	return i.User + "@" + i.Domain
}

// NewSASLServer returns a SASL server for the given mechanism, and the
// Identity that will be populated once the exchange completes successfully.
func (a *Authenticator) NewSASLServer(mechanism, hostname string) (sasl.Server, *Identity, error) {
	ident := &Identity{}

	check := func(identity, user, password string) error {
		if identity != "" && identity != user {
			return ErrInvalidResponse
		}

		u, d, err := SplitIdentity(user)
		if err != nil {
			return ErrInvalidResponse
		}

		ok, err := a.Authenticate(u, d, password)
		if err != nil {
			return err
		}
		if !ok {
			return ErrFailed
		}

		ident.User = u
		ident.Domain = d
		return nil
	}

	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		return sasl.NewPlainServer(check), ident, nil
	case sasl.Login:
		return sasl.NewLoginServer(func(user, password string) error {
			return check("", user, password)
		}), ident, nil
	case CRAMMD5:
		return newCramMD5Server(a, hostname, ident), ident, nil
	case sasl.OAuthBearer:
		// The bearer token is validated by the domain's backend; it plays
		// the role of the password.
		return sasl.NewOAuthBearerServer(
			func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
				err := check("", opts.Username, opts.Token)
				if err != nil {
					return &sasl.OAuthBearerError{
						Status: "invalid_token",
						Schemes: "bearer",
					}
				}
				return nil
			}), ident, nil
	default:
		return nil, nil, ErrUnknownMechanism
	}
}

// cramMD5Server implements the server side of CRAM-MD5 (RFC 2195).
// It needs access to the plain password, so it only works for users on
// backends that store one.
type cramMD5Server struct {
	a         *Authenticator
	ident     *Identity
	challenge string
	done      bool
}

func newCramMD5Server(a *Authenticator, hostname string, ident *Identity) *cramMD5Server {
	// The challenge is the usual "<random.timestamp@hostname>" form. Only
	// uniqueness matters, not unpredictability.
	challenge := fmt.Sprintf("<%x.%d@%s>",
		rand.Uint64(), time.Now().UnixNano(), hostname)
	return &cramMD5Server{a: a, ident: ident, challenge: challenge}
}

func (s *cramMD5Server) Next(response []byte) ([]byte, bool, error) {
	if response == nil {
		// CRAM-MD5 is server-first: hand out the challenge.
		return []byte(s.challenge), false, nil
	}
	if s.done {
		return nil, true, ErrInvalidResponse
	}
	s.done = true

	// Response is "identity hexdigest".
	idx := strings.LastIndexByte(string(response), ' ')
	if idx <= 0 {
		return nil, true, ErrInvalidResponse
	}
	identity := string(response[:idx])
	digest := string(response[idx+1:])

	user, domain, err := SplitIdentity(identity)
	if err != nil {
		return nil, true, ErrInvalidResponse
	}

	password, ok := s.a.PlainPassword(user, domain)
	if !ok {
		// No plain password available; we cannot verify the digest.
		return nil, true, ErrFailed
	}

	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(s.challenge))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return nil, true, ErrFailed
	}

	s.ident.User = user
	s.ident.Domain = domain
	return nil, true, nil
}
