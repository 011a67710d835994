package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// SignatureHeader carries "sha256=<hex>" of the body when a secret is set.
const SignatureHeader = "X-Taskforge-Signature"

// permanentError marks a delivery that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// errPrivateTarget is returned by the dial guard.
var errPrivateTarget = errors.New("private or internal address not allowed")

// WebhookSender posts JSON bodies to webhook URLs. Unless a hook sets
// AllowPrivate, the address is checked after DNS resolution, at dial time,
// so a name cannot be re-pointed at an internal host between check and use.
type WebhookSender struct {
	public  *http.Client
	private *http.Client
	logger  *slog.Logger
}

func NewWebhookSender(logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		public:  newWebhookClient(true),
		private: newWebhookClient(false),
		logger:  logger,
	}
}

func newWebhookClient(guard bool) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if guard {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || blockedIP(ip) {
				return fmt.Errorf("%s: %w", host, errPrivateTarget)
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
		// Redirects are not followed; the target must answer directly.
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Send posts body to hook. Rejected targets and 4xx other than 429 are
// permanent failures; network errors, 429 and 5xx are retryable.
func (s *WebhookSender) Send(ctx context.Context, hook Hook, body []byte) error {
	client := s.private
	if !hook.AllowPrivate {
		if err := validateWebhookURL(hook.URL); err != nil {
			return &permanentError{fmt.Errorf("webhook URL rejected: %w", err)}
		}
		client = s.public
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return &permanentError{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taskforge-webhook")
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, errPrivateTarget) {
			return &permanentError{err}
		}
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &permanentError{err}
	}
	return err
}

// Sign returns the SignatureHeader value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// validateWebhookURL rejects non-HTTP schemes and literal loopback or
// private hosts up front. Names are checked again at dial time.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errPrivateTarget
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return errPrivateTarget
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}
