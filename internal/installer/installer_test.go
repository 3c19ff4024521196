package installer

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsdbgsuite/bsdbg/config"
)

const (
	testRealm = "rokudev"
	testNonce = "0123456789abcdef"
)

// installerHandler mimics the target's installer: 401 challenge first,
// then digest-verified form handling.
type installerHandler struct {
	t        *testing.T
	password string

	gotSubmit      string
	gotArchiveName string
	gotArchive     []byte
	gotRemoteDebug string
}

func (h *installerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Digest realm=%q, nonce=%q, qop="auth"`, testRealm, testNonce))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	params := parseAuthParams(auth)
	ha1 := md5Hex("rokudev" + ":" + testRealm + ":" + h.password)
	ha2 := md5Hex(r.Method + ":" + params["uri"])
	expected := md5Hex(strings.Join(
		[]string{ha1, testNonce, params["nc"], params["cnonce"], "auth", ha2}, ":"))
	if params["response"] != expected {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	require.NoError(h.t, r.ParseMultipartForm(1<<20))
	h.gotSubmit = r.FormValue("mysubmit")
	h.gotRemoteDebug = r.FormValue("remotedebug")
	if file, header, err := r.FormFile("archive"); err == nil {
		h.gotArchiveName = header.Filename
		h.gotArchive, _ = io.ReadAll(file)
		_ = file.Close()
	}
	w.WriteHeader(http.StatusOK)
}

func parseAuthParams(auth string) map[string]string {
	params := map[string]string{}
	for _, part := range splitChallengeParams(strings.TrimPrefix(auth, "Digest ")) {
		if key, value, ok := strings.Cut(part, "="); ok {
			params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return params
}

func newTestClient(t *testing.T, handler http.Handler, password string) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default().Installer
	cfg.Port = port
	cfg.Password = password
	return New(u.Hostname(), &cfg)
}

func TestInstallUploadsChannelWithDigestAuth(t *testing.T) {
	handler := &installerHandler{t: t, password: "hunter2"}
	client := newTestClient(t, handler, "hunter2")

	channel := filepath.Join(t.TempDir(), "demo.zip")
	require.NoError(t, os.WriteFile(channel, []byte("PK\x03\x04fake"), 0o644))

	require.NoError(t, client.Install(channel, true))

	assert.Equal(t, "Install", handler.gotSubmit)
	assert.Equal(t, "demo.zip", handler.gotArchiveName)
	assert.Equal(t, []byte("PK\x03\x04fake"), handler.gotArchive)
	assert.Equal(t, "1", handler.gotRemoteDebug)
}

func TestInstallWithoutRemoteDebugOmitsFlag(t *testing.T) {
	handler := &installerHandler{t: t, password: "pw"}
	client := newTestClient(t, handler, "pw")

	channel := filepath.Join(t.TempDir(), "demo.zip")
	require.NoError(t, os.WriteFile(channel, []byte("zipzip"), 0o644))

	require.NoError(t, client.Install(channel, false))
	assert.Empty(t, handler.gotRemoteDebug)
}

func TestRemoveSendsDeleteForm(t *testing.T) {
	handler := &installerHandler{t: t, password: "pw"}
	client := newTestClient(t, handler, "pw")

	require.NoError(t, client.Remove())
	assert.Equal(t, "Delete", handler.gotSubmit)
}

func TestInstallRejectsWrongPassword(t *testing.T) {
	handler := &installerHandler{t: t, password: "correct"}
	client := newTestClient(t, handler, "wrong")

	channel := filepath.Join(t.TempDir(), "demo.zip")
	require.NoError(t, os.WriteFile(channel, []byte("zipzip"), 0o644))

	err := client.Install(channel, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "installer rejected")
}

func TestInstallRejectsMissingChannelFile(t *testing.T) {
	client := New("127.0.0.1", nil)
	err := client.Install(filepath.Join(t.TempDir(), "ghost.zip"), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not accessible")
}

func TestParseDigestChallenge(t *testing.T) {
	ch, err := parseDigestChallenge(
		`Digest realm="rokudev", nonce="abc123", qop="auth,auth-int", opaque="xyz"`)
	require.NoError(t, err)
	assert.Equal(t, "rokudev", ch.realm)
	assert.Equal(t, "abc123", ch.nonce)
	assert.Equal(t, "auth", ch.selectQop())
	assert.Equal(t, "xyz", ch.opaque)
}

func TestParseDigestChallengeRejectsBasic(t *testing.T) {
	_, err := parseDigestChallenge(`Basic realm="rokudev"`)
	assert.Error(t, err)
}
