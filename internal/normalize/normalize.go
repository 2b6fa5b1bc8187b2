// Package normalize turns raw search result items into canonical records
// keyed by a natural identifier.
package normalize

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// Item is one raw result entry as decoded from the remote API.
type Item = map[string]any

// Record is the canonical shape of a search hit.
type Record struct {
	// Identifier is the normalized domain, or "platform:username" for
	// social profiles.
	Identifier  string
	Title       string
	Description string
	URL         string
	Platform    string
	Username    string
	Raw         Item
}

var (
	ErrMissingURL     = errors.New("missing url")
	ErrInvalidURL     = errors.New("invalid url")
	ErrNoProfile      = errors.New("platform url without a profile")
	ErrUnsupportedURL = errors.New("unsupported url scheme")
)

// platforms maps social hosts to a platform name.
var platforms = map[string]string{
	"instagram.com": "instagram",
	"tiktok.com":    "tiktok",
	"x.com":         "x",
	"twitter.com":   "x",
	"facebook.com":  "facebook",
	"youtube.com":   "youtube",
}

// PlatformHost returns the canonical host used to scope searches to a
// platform, or "" when the platform is unknown.
func PlatformHost(platform string) string {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "instagram":
		return "instagram.com"
	case "tiktok":
		return "tiktok.com"
	case "x", "twitter":
		return "x.com"
	case "facebook":
		return "facebook.com"
	case "youtube":
		return "youtube.com"
	}
	return ""
}

// first path segments that never name a profile
var reservedPaths = map[string]bool{
	"p": true, "reel": true, "reels": true, "explore": true, "stories": true,
	"hashtag": true, "tag": true, "search": true, "watch": true, "shorts": true,
	"results": true, "i": true, "home": true, "share": true, "groups": true,
	"events": true, "login": true, "video": true, "status": true, "intent": true,
	"discover": true, "music": true, "playlist": true, "feed": true,
}

// Records lazily normalizes items. Invalid items are skipped and logged at
// debug level. The sequence may be ranged over more than once.
func Records(items []Item, logger *slog.Logger) iter.Seq[Record] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(Record) bool) {
		for i, item := range items {
			rec, err := Normalize(item)
			if err != nil {
				logger.Debug("dropping result item", "index", i, "reason", err)
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Normalize converts one raw item. Missing fields default to empty values.
func Normalize(item Item) (Record, error) {
	rawURL := stringField(item, "url")
	if rawURL == "" {
		return Record{}, ErrMissingURL
	}

	u, host, err := parseHost(rawURL)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Identifier:  host,
		Title:       strings.TrimSpace(stringField(item, "title")),
		Description: strings.TrimSpace(stringField(item, "description")),
		URL:         u.String(),
		Raw:         item,
	}

	if platform, ok := platforms[host]; ok {
		username, ok := profileName(platform, u.Path)
		if !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrNoProfile, rawURL)
		}
		rec.Platform = platform
		rec.Username = username
		rec.Identifier = platform + ":" + username
	}

	return rec, nil
}

// Domain returns the normalized identifier for a bare URL string.
func Domain(rawURL string) (string, error) {
	_, host, err := parseHost(rawURL)
	return host, err
}

func parseHost(rawURL string) (*url.URL, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedURL, u.Scheme)
	}

	host := strings.ToLower(u.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") {
		return nil, "", fmt.Errorf("%w: host %q", ErrInvalidURL, u.Host)
	}
	return u, host, nil
}

func profileName(platform, path string) (string, bool) {
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return "", false
	}
	name := segments[0]

	if platform == "youtube" && (name == "c" || name == "user" || name == "channel") {
		if len(segments) < 2 {
			return "", false
		}
		name = segments[1]
	}

	name = strings.ToLower(strings.TrimPrefix(name, "@"))
	if name == "" || reservedPaths[name] || strings.HasSuffix(name, ".php") {
		return "", false
	}
	return name, true
}

func stringField(item Item, key string) string {
	if item == nil {
		return ""
	}
	s, _ := item[key].(string)
	return s
}
