package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"

	"github.com/FranksOps/poolfeed/internal/listing"
)

var errNoURL = errors.New("no usable url")

const urlFlags = purell.FlagLowercaseScheme |
	purell.FlagLowercaseHost |
	purell.FlagRemoveDefaultPort |
	purell.FlagRemoveFragment |
	purell.FlagDecodeUnnecessaryEscapes |
	purell.FlagUppercaseEscapes |
	purell.FlagSortQuery |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveEmptyQuerySeparator |
	purell.FlagRemoveTrailingSlash |
	purell.FlagRemoveUnnecessaryHostDots

// trackingParams never identify a listing.
var trackingParams = map[string]bool{
	"spm": true, "scm": true, "pvid": true, "gclid": true, "fbclid": true,
	"ref": true, "_t": true, "gatewayadapt": true, "curpageloguid": true,
	"pdp_npi": true, "pdp_ext_f": true, "sourcetype": true, "srcsns": true,
	"mall_affr": true, "visitorid": true, "_randl_currency": true, "_randl_shipto": true,
}

var trackingPrefixes = []string{"utm_", "algo_", "aff_", "spm_", "scm_", "ws_ab_", "pdp_"}

func isTracking(param string) bool {
	p := strings.ToLower(param)
	if trackingParams[p] {
		return true
	}
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// CanonicalURL normalizes a listing URL and strips non-identifying query
// parameters. Protocol-relative URLs are treated as https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	if raw == "" {
		return "", errNoURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", errNoURL, raw)
	}

	q := u.Query()
	for k := range q {
		if isTracking(k) {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()

	return purell.NormalizeURL(u, urlFlags), nil
}

// IdentityKey is the hex SHA-256 of the canonical form of rawURL. Two URLs
// that differ only in tracking parameters, fragment, case of scheme/host,
// default port or query order share a key.
func IdentityKey(rawURL string) (string, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	return hashKey(canonical), nil
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var productIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/item/(\d{5,})\.html`),
	regexp.MustCompile(`/product-detail/[^/]*?_(\d{5,})\.html`),
	regexp.MustCompile(`/product/(\d+)(?:[/.]|$)`),
	regexp.MustCompile(`/p/(\d+)(?:[/.]|$)`),
	regexp.MustCompile(`/(\d{6,})\.html`),
}

// ProductRef recovers a marketplace product id from known URL shapes so that
// differently shaped URLs of one product can be matched. It returns "" when
// no id is recognizable; a miss is never an error.
func ProductRef(m listing.Marketplace, rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	for _, re := range productIDPatterns {
		if sm := re.FindStringSubmatch(u.EscapedPath()); sm != nil {
			return string(m) + ":" + sm[1]
		}
	}
	for _, k := range []string{"id", "productId", "product_id", "itemId"} {
		if v := u.Query().Get(k); v != "" && isDigits(v) {
			return string(m) + ":" + v
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
