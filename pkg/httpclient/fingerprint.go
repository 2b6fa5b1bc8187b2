package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Profile names a TLS ClientHello fingerprint.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"
	ProfileRandom  Profile = "random"
)

var helloIDs = map[Profile]utls.ClientHelloID{
	ProfileChrome:  utls.HelloChrome_Auto,
	ProfileFirefox: utls.HelloFirefox_Auto,
	ProfileSafari:  utls.HelloIOS_Auto,
	ProfileRandom:  utls.HelloRandomizedALPN,
}

// ParseProfile accepts a profile name case-insensitively. Empty maps to
// ProfileGo.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if p == "" || p == ProfileGo {
		return ProfileGo, nil
	}
	if _, ok := helloIDs[p]; !ok {
		return "", fmt.Errorf("unknown tls profile %q", s)
	}
	return p, nil
}

// Transport returns a round tripper whose TLS handshake mimics p. ProfileGo
// (or empty) returns a plain clone of the default transport. proxy may be nil.
func Transport(p Profile, proxy func(*http.Request) (*url.URL, error)) (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxy

	if p == "" || p == ProfileGo {
		return transport, nil
	}
	hello, ok := helloIDs[p]
	if !ok {
		return nil, fmt.Errorf("unknown tls profile %q", p)
	}

	dial := transport.DialContext
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		uconn := utls.UClient(conn, &utls.Config{ServerName: host}, hello)
		if err := uconn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("utls handshake with %s: %w", host, err)
		}
		return uconn, nil
	}
	return transport, nil
}
