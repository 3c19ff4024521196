package installer

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// digestChallenge holds the fields of the RFC 2617 challenge the installer
// sends with its 401 response. The installer uses MD5 with qop=auth.
type digestChallenge struct {
	realm  string
	nonce  string
	qop    string
	opaque string
}

func parseDigestChallenge(header string) (digestChallenge, error) {
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return digestChallenge{}, fmt.Errorf("not a digest challenge: %q", header)
	}

	var ch digestChallenge
	for _, param := range splitChallengeParams(header[len(prefix):]) {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			ch.realm = value
		case "nonce":
			ch.nonce = value
		case "qop":
			ch.qop = value
		case "opaque":
			ch.opaque = value
		}
	}
	if ch.nonce == "" {
		return digestChallenge{}, fmt.Errorf("digest challenge missing nonce: %q", header)
	}
	return ch, nil
}

// splitChallengeParams splits on commas that sit outside quoted strings.
func splitChallengeParams(s string) []string {
	var params []string
	var start int
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				params = append(params, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	params = append(params, strings.TrimSpace(s[start:]))
	return params
}

// selectQop picks "auth" when the server offers it; auth-int would require
// hashing the body, which the installer does not ask for.
func (ch digestChallenge) selectQop() string {
	for _, q := range strings.Split(ch.qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			return "auth"
		}
	}
	return ""
}

func (ch digestChallenge) authorize(user, password, method, uri string) (string, error) {
	cnonce, err := newCnonce()
	if err != nil {
		return "", err
	}

	const nc = "00000001"
	ha1 := md5Hex(user + ":" + ch.realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)

	var response string
	qop := ch.selectQop()
	if qop == "" {
		response = md5Hex(ha1 + ":" + ch.nonce + ":" + ha2)
	} else {
		response = md5Hex(strings.Join([]string{ha1, ch.nonce, nc, cnonce, qop, ha2}, ":"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		user, ch.realm, ch.nonce, uri, response)
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce=%q`, qop, nc, cnonce)
	}
	if ch.opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, ch.opaque)
	}
	return b.String(), nil
}

func newCnonce() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate cnonce: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
