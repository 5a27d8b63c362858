package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"
)

// ErrAddressUnavailable indicates the requested local bind address could not
// be used for the upstream connection. Callers map it to a client error
// rather than a generic upstream failure.
var ErrAddressUnavailable = errors.New("local address unavailable")

// Headers that identify the proxy connection rather than the content; never
// forwarded upstream.
var strippedHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
}

// Stream is one proxied upstream response: the mirrored status and headers
// plus a lazy, forward-only byte sequence. Close releases the upstream
// response; it is safe to call any number of times.
type Stream struct {
	Status int
	Header http.Header

	body      io.ReadCloser
	closeOnce sync.Once
	onRelease func()
}

// Read pulls the next chunk of upstream bytes.
func (s *Stream) Read(p []byte) (int, error) {
	return s.body.Read(p)
}

// Close releases the upstream connection exactly once. Double release is a
// no-op, not an error.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
		if s.onRelease != nil {
			s.onRelease()
		}
	})
	return nil
}

// Opener opens upstream streams. One opener is shared across requests; the
// default transport pools connections, while local-bind requests get a
// dedicated dialer.
type Opener struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	// release hook observed by tests counting upstream releases
	onRelease func()
}

// NewOpener creates a stream opener. A nil client uses a pooled default with
// the given upstream response-header timeout.
func NewOpener(client *http.Client, timeout time.Duration, logger *slog.Logger) *Opener {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
				MaxIdleConns:          32,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}

	return &Opener{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Open connects to the upstream URL and returns the mirrored response. The
// forwarded header set is copied with connection-identifying headers removed.
// A non-empty localAddr makes the upstream connection from that address;
// failures to use it surface as ErrAddressUnavailable.
func (o *Opener) Open(ctx context.Context, rawURL string, forwarded http.Header, localAddr string) (*Stream, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	req.Header = forwardableHeaders(forwarded)

	client := o.client
	if localAddr != "" {
		client, err = o.boundClient(localAddr)
		if err != nil {
			return nil, err
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if localAddr != "" && isBindError(err) {
			return nil, fmt.Errorf("%w: %s", ErrAddressUnavailable, localAddr)
		}
		return nil, fmt.Errorf("upstream connection failed: %w", err)
	}

	o.logger.Debug("Upstream stream opened",
		slog.String("url", rawURL),
		slog.Int("status", resp.StatusCode),
	)

	return &Stream{
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		body:      resp.Body,
		onRelease: o.onRelease,
	}, nil
}

// boundClient builds a client whose upstream connection originates from the
// given local address.
func (o *Opener) boundClient(localAddr string) (*http.Client, error) {
	ip := net.ParseIP(localAddr)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s", ErrAddressUnavailable, localAddr)
	}

	dialer := &net.Dialer{
		LocalAddr: &net.TCPAddr{IP: ip},
		Timeout:   o.timeout,
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: o.timeout,
		},
	}, nil
}

// forwardableHeaders copies the caller's headers minus the stripped set.
func forwardableHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	for _, key := range strippedHeaders {
		dst.Del(key)
	}
	return dst
}

// isBindError reports whether the dial failure came from the local address
// rather than the remote end.
func isBindError(err error) bool {
	if errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.EACCES) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "bind" || opErr.Op == "listen"
	}

	return false
}
