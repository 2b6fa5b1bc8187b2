// Package bypass recognises bot walls in front of candidate websites so the
// enrich stage can tell "no contact found" apart from "we were turned away".
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Response is the part of a fetched page the detectors look at.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Detector reports whether r is a challenge or block page and, if so, which
// vendor served it.
type Detector func(r Response) (vendor string, blocked bool)

// DefaultDetectors returns the detectors used by the fetcher, most common
// vendor first.
func DefaultDetectors() []Detector {
	return []Detector{
		cloudflare,
		akamai,
		dataDome,
		perimeterX,
		sucuri,
		imperva,
	}
}

// Detect runs r through detectors and returns the first vendor that matched.
func Detect(r Response, detectors []Detector) (string, bool) {
	for _, d := range detectors {
		if vendor, blocked := d(r); blocked {
			return vendor, true
		}
	}
	return "", false
}

func denied(r Response) bool {
	return r.StatusCode == http.StatusForbidden
}

func server(r Response) string {
	return strings.ToLower(r.Header.Get("Server"))
}

func bodyHas(r Response, needles ...string) bool {
	for _, n := range needles {
		if bytes.Contains(r.Body, []byte(n)) {
			return true
		}
	}
	return false
}

func cloudflare(r Response) (string, bool) {
	if r.StatusCode != http.StatusForbidden && r.StatusCode != http.StatusServiceUnavailable {
		return "", false
	}
	if strings.Contains(server(r), "cloudflare") || r.Header.Get("Cf-Mitigated") != "" {
		return "Cloudflare", true
	}
	if bodyHas(r, "cf-browser-verification", "cloudflare-nginx", "cf-turnstile", "Attention Required! | Cloudflare") {
		return "Cloudflare", true
	}
	return "", false
}

func akamai(r Response) (string, bool) {
	if !denied(r) {
		return "", false
	}
	if strings.Contains(server(r), "akamai") {
		return "Akamai", true
	}
	// Generic Akamai block page.
	if bodyHas(r, "Reference #") && bodyHas(r, "Access Denied") {
		return "Akamai", true
	}
	return "", false
}

func dataDome(r Response) (string, bool) {
	if !denied(r) {
		return "", false
	}
	if strings.Contains(server(r), "datadome") || r.Header.Get("X-DataDome") != "" || r.Header.Get("X-DataDome-Response") != "" {
		return "DataDome", true
	}
	if bodyHas(r, "geo.captcha-delivery.com", "datadome") {
		return "DataDome", true
	}
	return "", false
}

func perimeterX(r Response) (string, bool) {
	if !denied(r) {
		return "", false
	}
	if r.Header.Get("X-Px-Captcha") != "" {
		return "PerimeterX", true
	}
	if bodyHas(r, "client.perimeterx.net", "px-captcha", "_pxBlock") {
		return "PerimeterX", true
	}
	return "", false
}

// sucuri covers the Sucuri website firewall common on small business sites.
func sucuri(r Response) (string, bool) {
	if !denied(r) {
		return "", false
	}
	if r.Header.Get("X-Sucuri-Id") != "" || r.Header.Get("X-Sucuri-Block") != "" {
		return "Sucuri", true
	}
	if bodyHas(r, "Sucuri WebSite Firewall", "sucuri.net/privacy-policy") {
		return "Sucuri", true
	}
	return "", false
}

func imperva(r Response) (string, bool) {
	if !denied(r) && r.StatusCode != http.StatusOK {
		return "", false
	}
	// Incapsula serves its interstitial with a 200 as often as a 403.
	if bodyHas(r, "Incapsula incident ID", "_Incapsula_Resource") {
		return "Imperva", true
	}
	if denied(r) && r.Header.Get("X-Iinfo") != "" {
		return "Imperva", true
	}
	return "", false
}
