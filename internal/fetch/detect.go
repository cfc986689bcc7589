package fetch

import (
	"bytes"
	"net/http"
	"strings"
)

// Detector inspects a response and reports whether an anti-bot layer
// challenged or blocked it instead of serving content.
type Detector func(resp *Response) (blocked bool, source string)

// DefaultDetectors returns the standard bot-protection detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
		detectSliderCaptcha,
	}
}

// Detect runs resp through detectors and returns the first match.
func Detect(resp *Response, detectors []Detector) (bool, string) {
	if resp == nil {
		return false, ""
	}
	for _, d := range detectors {
		if blocked, source := d(resp); blocked {
			return true, source
		}
	}
	return false, ""
}

func detectCloudflare(r *Response) (bool, string) {
	if r.StatusCode != http.StatusForbidden && r.StatusCode != http.StatusServiceUnavailable {
		return false, ""
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Server")), "cloudflare") {
		return true, "Cloudflare"
	}
	for _, sig := range []string{"cf-browser-verification", "cf-turnstile", "Attention Required! | Cloudflare"} {
		if bytes.Contains(r.Body, []byte(sig)) {
			return true, "Cloudflare"
		}
	}
	return false, ""
}

func detectAkamai(r *Response) (bool, string) {
	if r.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Server")), "akamai") {
		return true, "Akamai"
	}
	if bytes.Contains(r.Body, []byte("Reference #")) && bytes.Contains(r.Body, []byte("Access Denied")) {
		return true, "Akamai"
	}
	return false, ""
}

func detectDataDome(r *Response) (bool, string) {
	if r.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if r.Header.Get("X-DataDome") != "" || r.Header.Get("X-DataDome-Response") != "" {
		return true, "DataDome"
	}
	if bytes.Contains(r.Body, []byte("geo.captcha-delivery.com")) {
		return true, "DataDome"
	}
	return false, ""
}

func detectPerimeterX(r *Response) (bool, string) {
	if r.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if r.Header.Get("X-Px-Captcha") != "" {
		return true, "PerimeterX"
	}
	if bytes.Contains(r.Body, []byte("px-captcha")) || bytes.Contains(r.Body, []byte("_pxBlock")) {
		return true, "PerimeterX"
	}
	return false, ""
}

// detectSliderCaptcha catches the slider "punish" interstitial several
// wholesale marketplaces serve with a 200 status in place of the page.
func detectSliderCaptcha(r *Response) (bool, string) {
	if strings.Contains(r.FinalURL, "/_____tmd_____/") {
		return true, "SliderCaptcha"
	}
	if bytes.Contains(r.Body, []byte("_____tmd_____")) && bytes.Contains(r.Body, []byte("punish")) {
		return true, "SliderCaptcha"
	}
	return false, ""
}
