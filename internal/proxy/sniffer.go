package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CallbackSniffer recovers the request target of the first request sent
// through an intercepted tunnel.
type CallbackSniffer interface {
	Sniff(r io.Reader) (string, error)
}

// PlainTextSniffer reads the tunnel as cleartext HTTP/1.x. It stops working
// if the callback host ever serves TLS on port 80.
type PlainTextSniffer struct{}

// Sniff parses one request head and returns its request URI, for example
// "/wc_auth/oauth/callback/maimai-dx?r=abc&t=123".
func (PlainTextSniffer) Sniff(r io.Reader) (string, error) {
	req, err := http.ReadRequest(bufio.NewReader(r))
	if err != nil {
		return "", fmt.Errorf("read tunneled request: %w", err)
	}
	if req.Body != nil {
		_ = req.Body.Close()
	}
	target := req.RequestURI
	if !strings.HasPrefix(target, "/") {
		// absolute-form; keep only path and query
		if req.URL == nil {
			return "", fmt.Errorf("tunneled request has no target")
		}
		target = req.URL.RequestURI()
	}
	return target, nil
}
