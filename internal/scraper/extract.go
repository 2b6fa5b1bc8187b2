package scraper

import (
	"bytes"
	"net/mail"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,24}`)
	// "jane [at] acme [dot] com" and friends.
	atPattern  = regexp.MustCompile(`(?i)\s*[\[(\{]\s*at\s*[\])\}]\s*`)
	dotPattern = regexp.MustCompile(`(?i)\s*[\[(\{]\s*dot\s*[\])\}]\s*`)
	spaces     = regexp.MustCompile(`\s+`)
)

// contactHints are path or anchor text fragments of pages likely to carry
// contact details, best first.
var contactHints = []string{
	"contact", "kontakt", "contacto", "get-in-touch", "reach-us",
	"impressum", "imprint", "legal-notice",
	"about", "team", "people", "staff",
}

// Files that look like addresses in srcset and asset names.
var assetSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}

// Domains that show up in page source but never belong to the site owner.
var ignoredEmailDomains = map[string]bool{
	"example.com":         true,
	"example.org":         true,
	"domain.com":          true,
	"email.com":           true,
	"sentry.io":           true,
	"sentry.wixpress.com": true,
}

type link struct {
	url  *url.URL
	text string
}

type document struct {
	title  string
	text   string
	emails []string
	links  []link
}

func parseDocument(base *url.URL, body []byte) (*document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	d := &document{title: strings.TrimSpace(doc.Find("title").First().Text())}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if addr, ok := strings.CutPrefix(strings.ToLower(href), "mailto:"); ok {
			if e, ok := cleanEmail(addr); ok {
				d.emails = append(d.emails, e)
			}
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		u := base.ResolveReference(ref)
		u.Fragment = ""
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		d.links = append(d.links, link{url: u, text: strings.ToLower(strings.TrimSpace(s.Text()))})
	})

	doc.Find("script, style, noscript, template").Remove()
	var b strings.Builder
	collectText(doc.Find("body"), &b)
	d.text = strings.TrimSpace(spaces.ReplaceAllString(b.String(), " "))

	deobfuscated := dotPattern.ReplaceAllString(atPattern.ReplaceAllString(d.text, "@"), ".")
	for _, m := range emailPattern.FindAllString(deobfuscated, -1) {
		if e, ok := cleanEmail(m); ok {
			d.emails = append(d.emails, e)
		}
	}
	d.emails = uniq(d.emails)
	return d, nil
}

// collectText writes every text node under s, space separated, so adjacent
// blocks like <p>a</p><p>b</p> do not run together.
func collectText(s *goquery.Selection, b *strings.Builder) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
			b.WriteByte(' ')
			return
		}
		collectText(c, b)
	})
}

// cleanEmail normalises a raw address from a mailto link or page text.
func cleanEmail(raw string) (string, bool) {
	raw, _, _ = strings.Cut(raw, "?")
	if dec, err := url.PathUnescape(raw); err == nil {
		raw = dec
	}
	raw = strings.ToLower(strings.Trim(strings.TrimSpace(raw), ".,;:<>\"'"))
	if raw == "" {
		return "", false
	}
	for _, suf := range assetSuffixes {
		if strings.HasSuffix(raw, suf) {
			return "", false
		}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", false
	}
	_, domain, _ := strings.Cut(raw, "@")
	if ignoredEmailDomains[domain] || !strings.Contains(domain, ".") {
		return "", false
	}
	return raw, true
}

// contactRank returns the index of the first hint l matches by path or
// anchor text, or -1.
func contactRank(l link) int {
	path := strings.ToLower(l.url.Path)
	for i, h := range contactHints {
		if strings.Contains(path, h) || strings.Contains(l.text, strings.ReplaceAll(h, "-", " ")) {
			return i
		}
	}
	return -1
}

func sameSite(a, b *url.URL) bool {
	return strings.TrimPrefix(strings.ToLower(a.Hostname()), "www.") ==
		strings.TrimPrefix(strings.ToLower(b.Hostname()), "www.")
}

// rankEmails puts addresses on the site's own domain first, keeping
// discovery order otherwise.
func rankEmails(emails []string, site *url.URL) []string {
	host := strings.TrimPrefix(strings.ToLower(site.Hostname()), "www.")
	own := func(e string) bool {
		_, d, _ := strings.Cut(e, "@")
		return d == host || strings.HasSuffix(host, "."+d) || strings.HasSuffix(d, "."+host)
	}
	out := slices.Clone(emails)
	slices.SortStableFunc(out, func(a, b string) int {
		switch oa, ob := own(a), own(b); {
		case oa && !ob:
			return -1
		case ob && !oa:
			return 1
		}
		return 0
	})
	return out
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
