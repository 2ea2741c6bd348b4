package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/halbroth/gallipub/util"
)

// VerifyResult is the outcome of checking a Signature header against one
// candidate key. A failed verification is an untrusted-input outcome, not an
// error: callers reject the request (403) on Mismatch or NoMatch and must
// not treat either as a local fault.
type VerifyResult int

const (
	// SigVerified means a signature matched the candidate key.
	SigVerified VerifyResult = iota
	// SigMismatch means the keyId matched but the signature check failed.
	SigMismatch
	// SigNoMatch means no signature named the candidate key, or the header
	// was missing or malformed.
	SigNoMatch
)

func (r VerifyResult) String() string {
	switch r {
	case SigVerified:
		return "verified"
	case SigMismatch:
		return "mismatch"
	default:
		return "no-match"
	}
}

const requestTarget = "(request-target)"

// Signer produces an RSA-SHA256 signature over a signing string. Key
// material lives outside the codec.
type Signer interface {
	KeyId() string
	Sign(data []byte) ([]byte, error)
}

// RSASigner signs with a PEM-encoded PKCS1 private key.
type RSASigner struct {
	key   *rsa.PrivateKey
	keyId string
}

func NewRSASigner(privatePem string, keyId string) (*RSASigner, error) {
	key, err := util.ParsePrivateKey(privatePem)
	if err != nil {
		return nil, err
	}
	return &RSASigner{key: key, keyId: keyId}, nil
}

func (s *RSASigner) KeyId() string {
	return s.keyId
}

func (s *RSASigner) Sign(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hash[:])
}

// BuildSigningString canonicalizes the requested components of a request
// into the Mastodon-dialect signing string: one line per component, derived
// components before header components, and the (request-target) derived
// component prepended when the list omits it.
func BuildSigningString(req *http.Request, components []string) string {
	hasTarget := false
	for _, c := range components {
		if strings.EqualFold(c, requestTarget) {
			hasTarget = true
			break
		}
	}
	ordered := components
	if !hasTarget {
		ordered = append([]string{requestTarget}, components...)
	}

	var derived, headers []string
	for _, c := range ordered {
		if strings.HasPrefix(c, "(") {
			derived = append(derived, c)
		} else {
			headers = append(headers, c)
		}
	}

	lines := make([]string, 0, len(derived)+len(headers))
	for _, c := range derived {
		if strings.EqualFold(c, requestTarget) {
			lines = append(lines, fmt.Sprintf("%s: %s %s", requestTarget,
				strings.ToLower(req.Method), req.URL.RequestURI()))
		}
	}
	for _, name := range headers {
		lower := strings.ToLower(name)
		// This dialect signs the RFC 3230 Digest header; peers sending the
		// newer Content-Digest name mean the same component.
		if lower == "content-digest" {
			lower = "digest"
		}
		var value string
		switch {
		case lower == "digest":
			values := req.Header.Values("Digest")
			if len(values) == 0 {
				values = req.Header.Values("Content-Digest")
			}
			value = strings.Join(values, ", ")
		case lower == "host" && req.Header.Get("Host") == "":
			value = req.Host
		default:
			value = strings.Join(req.Header.Values(lower), ", ")
		}
		lines = append(lines, lower+": "+value)
	}

	return strings.Join(lines, "\n")
}

// ContentDigest computes the SHA-256 digest header value for a POST body.
func ContentDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// SignRequest signs an outgoing request. Date and Host are filled in when
// absent; a Digest header is added and signed when a body is given.
func SignRequest(req *http.Request, body []byte, signer Signer) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" && req.Host == "" {
		req.Host = req.URL.Host
	}

	components := []string{requestTarget, "host", "date"}
	if body != nil {
		req.Header.Set("Digest", ContentDigest(body))
		components = append(components, "digest")
	}

	signingString := BuildSigningString(req, components)
	signature, err := signer.Sign([]byte(signingString))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		signer.KeyId(),
		strings.Join(components, " "),
		base64.StdEncoding.EncodeToString(signature)))

	return nil
}

var sigParamPattern = regexp.MustCompile(`([A-Za-z]+)="([^"]*)"`)

// parseSignatureHeader splits one or more comma-delimited signature values
// into parameter maps. A repeated parameter name starts a new candidate.
func parseSignatureHeader(header string) []map[string]string {
	var candidates []map[string]string
	current := map[string]string{}
	for _, match := range sigParamPattern.FindAllStringSubmatch(header, -1) {
		key := strings.ToLower(match[1])
		if _, seen := current[key]; seen {
			candidates = append(candidates, current)
			current = map[string]string{}
		}
		current[key] = match[2]
	}
	if len(current) > 0 {
		candidates = append(candidates, current)
	}
	return candidates
}

// VerifyRequest checks the request's Signature header against one candidate
// key. Only candidates whose keyId names the supplied key are tried;
// everything malformed degrades to SigNoMatch.
func VerifyRequest(req *http.Request, keyId string, publicKey *rsa.PublicKey) VerifyResult {
	header := strings.Join(req.Header.Values("Signature"), ",")
	if header == "" {
		return SigNoMatch
	}

	matched := false
	for _, candidate := range parseSignatureHeader(header) {
		if candidate["keyid"] != keyId {
			continue
		}
		matched = true

		components := strings.Fields(candidate["headers"])
		if len(components) == 0 {
			// Absent headers parameter defaults to the Date header alone
			components = []string{"date"}
		}

		signature, err := base64.StdEncoding.DecodeString(candidate["signature"])
		if err != nil {
			continue
		}

		signingString := BuildSigningString(req, components)
		hash := sha256.Sum256([]byte(signingString))
		if rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hash[:], signature) == nil {
			return SigVerified
		}
	}

	if matched {
		return SigMismatch
	}
	return SigNoMatch
}
