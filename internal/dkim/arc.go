package dkim

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ARC (Authenticated Received Chain), RFC 8617.
//
// An ARC set is the triplet of ARC-Authentication-Results,
// ARC-Message-Signature and ARC-Seal headers sharing an instance number.
// Chain validation walks the sets in order, checking the structure, the
// latest message signature, and every seal.

// CV is the chain validation state, as carried in the cv= tag.
type CV string

// Valid chain validation states.
const (
	CVNone = CV("none")
	CVFail = CV("fail")
	CVPass = CV("pass")
)

// ARC header field names.
const (
	arcSealHeader = "ARC-Seal"
	arcMsgSig     = "ARC-Message-Signature"
	arcAuthRes    = "ARC-Authentication-Results"
)

// Maximum chain length, per RFC 8617 section 5.2.
const maxARCInstance = 50

// ARCResult is the outcome of validating the ARC chain of a message.
type ARCResult struct {
	// Chain validation state. CVNone means there is no chain.
	State CV

	// Number of sets in the chain.
	Instances int

	// Domain of the most recent seal, for reporting.
	Domain string

	// Why the chain failed, when State == CVFail.
	Error error
}

// AuthenticationResults returns the ARC-specific contents for an
// Authentication-Results header.
func (r *ARCResult) AuthenticationResults() string {
	if r.State == CVNone {
		return ";arc=none\r\n"
	}
	s := fmt.Sprintf(";arc=%s", r.State)
	if r.Error != nil {
		s += fmt.Sprintf("  reason=%q", r.Error)
	}
	if r.Domain != "" {
		s += "  header.d=" + r.Domain
	}
	return s + "\r\n"
}

type arcSet struct {
	instance int
	aar      header
	ams      header
	seal     header
}

var (
	errARCBrokenStructure = errors.New("broken ARC set structure")
	errARCSealFailed      = errors.New("seal validation failed")
	errARCMsgSigFailed    = errors.New("message signature validation failed")
	errARCBadCV           = errors.New("unexpected cv value in chain")
)

// VerifyARC validates the ARC chain of the given message, which must use
// CRLF line endings.
func VerifyARC(ctx context.Context, message string) (*ARCResult, error) {
	headers, body, err := parseMessage(message)
	if err != nil {
		return nil, err
	}

	sets, err := collectARCSets(headers)
	if err != nil {
		return &ARCResult{State: CVFail, Error: err}, nil
	}
	if len(sets) == 0 {
		return &ARCResult{State: CVNone}, nil
	}

	last := sets[len(sets)-1]
	result := &ARCResult{
		State:     CVPass,
		Instances: len(sets),
	}
	if tags, err := parseTags(last.seal.Value); err == nil {
		result.Domain = tags["d"]
	}

	// Validate the most recent ARC-Message-Signature, like a DKIM
	// signature.
	// https://datatracker.ietf.org/doc/html/rfc8617#section-5.2
	amsRes := verifySig(ctx, last.ams, headers, body, true)
	if amsRes.State != SUCCESS {
		result.State = CVFail
		result.Error = fmt.Errorf("%w: %v", errARCMsgSigFailed, amsRes.Error)
		return result, nil
	}

	// Validate every seal, oldest to newest.
	for _, set := range sets {
		if err := verifySeal(ctx, set, sets); err != nil {
			result.State = CVFail
			result.Error = err
			return result, nil
		}
	}

	return result, nil
}

// collectARCSets gathers and structurally validates the ARC sets present in
// the headers: contiguous instances starting at 1, exactly one of each
// header per instance.
func collectARCSets(hs headers) ([]*arcSet, error) {
	sets := map[int]*arcSet{}

	get := func(i int) *arcSet {
		if sets[i] == nil {
			sets[i] = &arcSet{instance: i}
		}
		return sets[i]
	}

	for _, h := range hs {
		var dst *header
		var name string
		switch {
		case strings.EqualFold(h.Name, arcSealHeader):
			name = arcSealHeader
		case strings.EqualFold(h.Name, arcMsgSig):
			name = arcMsgSig
		case strings.EqualFold(h.Name, arcAuthRes):
			name = arcAuthRes
		default:
			continue
		}

		value := h.Value
		if name == arcAuthRes {
			// The AAR payload after "i=N;" is not a tag-list (it starts
			// with the authserv-id), so only its first element is parsed.
			value, _, _ = strings.Cut(value, ";")
		}
		i, err := arcInstance(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errARCBrokenStructure, err)
		}

		set := get(i)
		switch name {
		case arcSealHeader:
			dst = &set.seal
		case arcMsgSig:
			dst = &set.ams
		case arcAuthRes:
			dst = &set.aar
		}

		if dst.Name != "" {
			return nil, fmt.Errorf("%w: duplicate %s i=%d",
				errARCBrokenStructure, name, i)
		}
		*dst = h
	}

	if len(sets) == 0 {
		return nil, nil
	}
	if len(sets) > maxARCInstance {
		return nil, fmt.Errorf("%w: too many sets", errARCBrokenStructure)
	}

	ordered := make([]*arcSet, 0, len(sets))
	for i := 1; i <= len(sets); i++ {
		set, ok := sets[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing instance %d",
				errARCBrokenStructure, i)
		}
		if set.seal.Name == "" || set.ams.Name == "" || set.aar.Name == "" {
			return nil, fmt.Errorf("%w: incomplete set i=%d",
				errARCBrokenStructure, i)
		}
		ordered = append(ordered, set)
	}

	return ordered, nil
}

func arcInstance(value string) (int, error) {
	tags, err := parseTags(value)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(tags["i"])
	if err != nil || i < 1 {
		return 0, fmt.Errorf("bad i= tag: %q", tags["i"])
	}
	return i, nil
}

// verifySeal validates the ARC-Seal of the given set, in the context of the
// whole chain.
func verifySeal(ctx context.Context, set *arcSet, chain []*arcSet) error {
	tags, err := parseTags(set.seal.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", errARCSealFailed, err)
	}

	// cv checks, per https://datatracker.ietf.org/doc/html/rfc8617#section-5.2:
	// the first seal carries cv=none, every subsequent one cv=pass; a
	// cv=fail anywhere condemns the chain.
	cv := CV(tags["cv"])
	switch {
	case cv == CVFail:
		return fmt.Errorf("%w: cv=fail at i=%d", errARCBadCV, set.instance)
	case set.instance == 1 && cv != CVNone:
		return fmt.Errorf("%w: i=1 has cv=%s", errARCBadCV, cv)
	case set.instance > 1 && cv != CVPass:
		return fmt.Errorf("%w: i=%d has cv=%s", errARCBadCV, set.instance, cv)
	}

	ktS, hS, found := strings.Cut(tags["a"], "-")
	if !found {
		return fmt.Errorf("%w: bad a= tag", errARCSealFailed)
	}
	kt, err := keyTypeFromString(ktS)
	if err != nil {
		return fmt.Errorf("%w: %v", errARCSealFailed, err)
	}
	hash, err := hashFromString(hS)
	if err != nil {
		return fmt.Errorf("%w: %v", errARCSealFailed, err)
	}

	b, err := base64.StdEncoding.DecodeString(
		eatWhitespace.Replace(tags["b"]))
	if err != nil {
		return fmt.Errorf("%w: bad b= tag", errARCSealFailed)
	}

	// The seal covers the ARC sets 1..i, in instance order, each header
	// relaxed-canonicalized: AAR, AMS, then AS, with this seal's b= emptied
	// and no trailing CRLF.
	// https://datatracker.ietf.org/doc/html/rfc8617#section-5.1.1
	hasher := hash.New()
	for _, s := range chain {
		if s.instance > set.instance {
			break
		}

		hasher.Write([]byte(relaxHeader(s.aar).Source + "\r\n"))
		hasher.Write([]byte(relaxHeader(s.ams).Source + "\r\n"))

		if s.instance == set.instance {
			sealC := relaxHeader(s.seal)
			hasher.Write([]byte(bTag.ReplaceAllString(sealC.Source, "$1")))
		} else {
			hasher.Write([]byte(relaxHeader(s.seal).Source + "\r\n"))
		}
	}
	hSum := hasher.Sum(nil)

	pubKeys, err := findPublicKeys(ctx, tags["d"], tags["s"])
	if err != nil {
		return fmt.Errorf("%w: key lookup: %v", errARCSealFailed, err)
	}

	for _, pk := range pubKeys {
		if !pk.Matches(kt, hash) {
			continue
		}
		if err := pk.verify(hash, hSum, b); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: i=%d", errARCSealFailed, set.instance)
}

// Sealer adds ARC sets when forwarding messages.
type Sealer struct {
	Signer Signer
}

// Seal computes a new ARC set for the message, with the given
// Authentication-Results contents (without the authserv-id) observed at
// this hop. It returns the three header (name, value) pairs to prepend to
// the message, newest first.
func (s *Sealer) Seal(ctx context.Context, message, authResults string) ([][2]string, error) {
	hs, body, err := parseMessage(message)
	if err != nil {
		return nil, err
	}

	sets, err := collectARCSets(hs)
	if err != nil {
		// We must not extend a structurally broken chain.
		return nil, err
	}

	instance := len(sets) + 1
	if instance > maxARCInstance {
		return nil, fmt.Errorf("%w: chain too long", errARCBrokenStructure)
	}

	cv := CVNone
	if instance > 1 {
		res, err := VerifyARC(ctx, message)
		if err != nil {
			return nil, err
		}
		cv = res.State
		if cv == CVNone {
			cv = CVPass
		}
		if res.Error != nil {
			cv = CVFail
		}
	}

	// ARC-Authentication-Results.
	aarValue := fmt.Sprintf("i=%d; %s; %s",
		instance, s.Signer.Domain, strings.TrimSpace(authResults))
	aar := header{Name: arcAuthRes, Value: " " + aarValue,
		Source: arcAuthRes + ": " + aarValue}

	// ARC-Message-Signature: a DKIM-style signature over the message, with
	// the instance tag added.
	amsValue, err := s.signAMS(instance, hs, body)
	if err != nil {
		return nil, err
	}
	ams := header{Name: arcMsgSig, Value: " " + amsValue,
		Source: arcMsgSig + ": " + amsValue}

	// ARC-Seal, covering the whole chain plus the new set.
	sealValue, err := s.signSeal(instance, cv, sets, aar, ams)
	if err != nil {
		return nil, err
	}

	return [][2]string{
		{arcSealHeader, sealValue},
		{arcMsgSig, amsValue},
		{arcAuthRes, aarValue},
	}, nil
}

// Headers covered by the ARC-Message-Signature.
var amsHeadersToSign = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-ID",
}

func (s *Sealer) signAMS(instance int, hs headers, body string) (string, error) {
	algoStr, err := s.Signer.algoStr()
	if err != nil {
		return "", err
	}

	hTag := []string{}
	for _, h := range amsHeadersToSign {
		for range hs.FindAll(h) {
			hTag = append(hTag, strings.ToLower(h))
		}
	}

	value := fmt.Sprintf("i=%d; a=%s; c=relaxed/relaxed; d=%s; s=%s; t=%d; h=%s; ",
		instance, algoStr, s.Signer.Domain, s.Signer.Selector,
		time.Now().Unix(), strings.Join(hTag, ":"))

	bodyH := sha256.Sum256([]byte(relaxedCanonicalization.body(body)))
	value += fmt.Sprintf("bh=%s; ",
		base64.StdEncoding.EncodeToString(bodyH[:]))

	hasher := sha256.New()
	for _, h := range amsHeadersToSign {
		for _, hdr := range hs.FindAll(h) {
			hasher.Write([]byte(relaxHeader(hdr).Source + "\r\n"))
		}
	}

	value += "b="
	amsC := relaxHeader(header{
		Name: arcMsgSig, Value: value, Source: arcMsgSig + ": " + value})
	hasher.Write([]byte(amsC.Source))

	sig, err := s.Signer.sign(hasher.Sum(nil))
	if err != nil {
		return "", err
	}

	return value + base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Sealer) signSeal(instance int, cv CV, sets []*arcSet, aar, ams header) (string, error) {
	algoStr, err := s.Signer.algoStr()
	if err != nil {
		return "", err
	}

	value := fmt.Sprintf("i=%d; a=%s; cv=%s; d=%s; s=%s; t=%d; b=",
		instance, algoStr, cv, s.Signer.Domain, s.Signer.Selector,
		time.Now().Unix())

	hasher := sha256.New()
	for _, set := range sets {
		hasher.Write([]byte(relaxHeader(set.aar).Source + "\r\n"))
		hasher.Write([]byte(relaxHeader(set.ams).Source + "\r\n"))
		hasher.Write([]byte(relaxHeader(set.seal).Source + "\r\n"))
	}
	hasher.Write([]byte(relaxHeader(aar).Source + "\r\n"))
	hasher.Write([]byte(relaxHeader(ams).Source + "\r\n"))

	sealC := relaxHeader(header{
		Name: arcSealHeader, Value: value, Source: arcSealHeader + ": " + value})
	hasher.Write([]byte(sealC.Source))

	sig, err := s.Signer.sign(hasher.Sum(nil))
	if err != nil {
		return "", err
	}

	return value + base64.StdEncoding.EncodeToString(sig), nil
}
