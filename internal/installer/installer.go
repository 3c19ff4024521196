// Package installer drives the debug target's application installer: it
// sideloads (or removes) the dev channel over HTTP with digest auth.
package installer

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bsdbgsuite/bsdbg/config"
)

const (
	installerPath  = "/plugin_install"
	requestTimeout = 60 * time.Second
)

// Client talks to one target's installer endpoint.
type Client struct {
	host string
	cfg  config.InstallerConfig
	http *http.Client
}

func New(host string, cfg *config.InstallerConfig) *Client {
	if cfg == nil {
		cfg = &config.Default().Installer
	}
	return &Client{
		host: host,
		cfg:  *cfg,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Install uploads the channel zip. With remoteDebug set the channel starts
// suspended, waiting for a debugger to attach on the control port.
func (c *Client) Install(channelZipPath string, remoteDebug bool) error {
	path, err := validateChannelPath(channelZipPath)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read channel file: %w", err)
	}

	log.Printf("[Installer] installing dev channel (%s, %d bytes, remotedebug=%v)",
		filepath.Base(path), len(contents), remoteDebug)

	fields := []formField{
		{name: "mysubmit", value: "Install"},
		{name: "archive", value: string(contents), fileName: filepath.Base(path)},
	}
	if remoteDebug {
		fields = append(fields, formField{name: "remotedebug", value: "1"})
	}
	return c.post(fields)
}

// Remove deletes the installed dev channel, if any.
func (c *Client) Remove() error {
	log.Printf("[Installer] removing dev channel, if installed")
	return c.post([]formField{
		{name: "mysubmit", value: "Delete"},
		{name: "archive", value: ""},
	})
}

type formField struct {
	name     string
	value    string
	fileName string // non-empty marks a file upload part
}

func encodeForm(fields []formField) (contentType string, body []byte, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		var part io.Writer
		var err error
		if f.fileName != "" {
			part, err = w.CreateFormFile(f.name, f.fileName)
		} else {
			part, err = w.CreateFormField(f.name)
		}
		if err != nil {
			return "", nil, fmt.Errorf("build form field %s: %w", f.name, err)
		}
		if _, err := io.WriteString(part, f.value); err != nil {
			return "", nil, fmt.Errorf("build form field %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("finish form: %w", err)
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

// post runs the installer's digest-auth upload dance: a bodyless probe
// collects the 401 challenge (the server must not see an upload before it
// has authenticated us), then the real request goes out with the
// Authorization header and the form body.
func (c *Client) post(fields []formField) error {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(c.host, fmt.Sprintf("%d", c.cfg.Port)), installerPath)

	probe, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.http.Do(probe)
	if err != nil {
		return fmt.Errorf("contact installer at %s: %w", url, err)
	}
	drainAndClose(resp)

	var authorization string
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		challenge, err := parseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
		if err != nil {
			return fmt.Errorf("installer challenge: %w", err)
		}
		authorization, err = challenge.authorize(c.cfg.User, c.cfg.Password, http.MethodPost, installerPath)
		if err != nil {
			return err
		}
	case http.StatusOK:
		// No auth configured on the target; proceed without a header.
	default:
		return fmt.Errorf("installer probe failed: %s", resp.Status)
	}

	contentType, body, err := encodeForm(fields)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err = c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload to installer: %w", err)
	}
	drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("installer rejected request: %s", resp.Status)
	}
	log.Printf("[Installer] installer accepted request (%s)", resp.Status)
	return nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// validateChannelPath confirms the channel zip is a readable regular file
// and returns its absolute path.
func validateChannelPath(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("invalid channel path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("channel path %q not accessible: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("channel path %q is not a regular file", abs)
	}
	return abs, nil
}
