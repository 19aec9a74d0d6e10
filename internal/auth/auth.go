// Package auth authenticates the two caller populations of the service:
// nodes submitting statistics with bearer tokens, and human users presenting
// PGP-clearsigned identity tokens on the restricted endpoints.
package auth

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/eida/eidastats/pkg/models"
)

// tokenTimeLayout is the timestamp format inside identity tokens.
const tokenTimeLayout = "2006-01-02T15:04:05.999999Z"

// BearerToken extracts the bearer secret from the Authentication header used
// by submitting nodes. models.ErrUnauthenticated when the header is missing
// or not a bearer scheme.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authentication")
	if header == "" {
		return "", models.ErrUnauthenticated
	}
	value, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || value == "" {
		return "", models.ErrUnauthenticated
	}
	return value, nil
}

// Identity is an authenticated human user as asserted by a signed token.
type Identity struct {
	UserID string
	Groups []string
}

// Verifier checks clearsigned identity tokens against a trusted keyring.
type Verifier struct {
	keyring openpgp.EntityList
}

// NewVerifier loads the armored keyring at path.
func NewVerifier(path string) (*Verifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, err
	}
	return &Verifier{keyring: keyring}, nil
}

// NewVerifierFromKeyring wraps an already-loaded keyring.
func NewVerifierFromKeyring(keyring openpgp.EntityList) *Verifier {
	return &Verifier{keyring: keyring}
}

// Verify checks the signature of a clearsigned token, parses its attribute
// block and enforces its expiry. The attribute block is a JSON object with at
// least valid_until, and usually mail and memberof.
func (v *Verifier) Verify(data []byte, now time.Time) (*Identity, error) {
	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, models.ErrBadSignature
	}
	_, err := openpgp.CheckDetachedSignature(
		v.keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, models.ErrBadSignature
	}

	attrs, err := parseTokenAttrs(block.Plaintext)
	if err != nil {
		return nil, models.ErrBadSignature
	}

	validUntil, err := time.Parse(tokenTimeLayout, attrs["valid_until"])
	if err != nil {
		return nil, models.ErrBadSignature
	}
	if !now.Before(validUntil) {
		return nil, models.ErrTokenExpired
	}

	id := &Identity{
		UserID: attrs["mail"],
		Groups: ParseGroups(attrs["memberof"]),
	}
	if id.UserID == "" {
		id.UserID = attrs["uid"]
	}
	return id, nil
}

// parseTokenAttrs parses the {key: value, ...} attribute block of an
// identity token. Values keep embedded colons (timestamps); quotes and
// spaces are insignificant, which accepts both the bare and the JSON-quoted
// token spelling.
func parseTokenAttrs(plaintext []byte) (map[string]string, error) {
	text := string(plaintext)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no attribute block")
	}
	inner := text[start+1 : end]
	inner = strings.ReplaceAll(inner, `"`, "")
	inner = strings.ReplaceAll(inner, " ", "")

	attrs := make(map[string]string)
	for _, kv := range strings.Split(inner, ",") {
		if kv == "" {
			continue
		}
		key, value, ok := strings.Cut(kv, ":")
		if !ok {
			return nil, errors.New("malformed attribute")
		}
		attrs[key] = value
	}
	return attrs, nil
}

// ParseGroups normalizes the memberof attribute. Groups arrive either as a
// semicolon-separated list of names or as directory paths like /epos/group;
// path entries contribute their last segment as well so both spellings match
// a stored group name.
func ParseGroups(memberof string) []string {
	var groups []string
	for _, part := range strings.Split(memberof, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		groups = append(groups, part)
		if strings.Contains(part, "/") {
			if last := part[strings.LastIndex(part, "/")+1:]; last != "" && last != part {
				groups = append(groups, last)
			}
		}
	}
	return groups
}
