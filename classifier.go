package webtrap

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
)

// Wire names for the attacker-token delivery surfaces. The explicit,
// tool-controlled fields outrank the incidental browser-controlled ones;
// extraction order below is the contract.
const (
	HeaderCID        = "X-CID"
	HeaderRewriteCID = "X-Webtrap-CID"
	QueryParamCID    = "cid"
	CookieCIDToken   = "cid_token"
	AuthSchemeCID    = "CID"
)

var (
	// Strict form for operator-facing IDs and explicit token fields.
	cidExact = regexp.MustCompile(`^CID-\d{3}-[A-Z0-9]$`)
	// Loose form for incidental carriers (Referer, User-Agent).
	cidLoose = regexp.MustCompile(`CID-\d{3}-[A-Z0-9]`)
)

// ValidCID reports whether s is a well-formed public ID.
func ValidCID(s string) bool {
	return cidExact.MatchString(s)
}

// Classification is a best-guess technique with its signature confidence.
type Classification struct {
	Technique  EventType
	Signature  string
	Confidence float64
}

// SignatureCategory groups the patterns for one technique. Within a
// category the first matching pattern wins; across categories the highest
// confidence wins and ties keep the earlier category.
type SignatureCategory struct {
	Technique  EventType
	Confidence float64
	Patterns   []*regexp.Regexp
}

// Classifier performs attacker-token extraction and payload classification
// over a raw request. It never errors; a miss is a normal outcome.
type Classifier struct {
	mu      sync.RWMutex
	base    []SignatureCategory
	overlay []SignatureCategory
}

func NewClassifier() *Classifier {
	return &Classifier{base: defaultSignatures()}
}

func defaultSignatures() []SignatureCategory {
	return []SignatureCategory{
		{
			Technique:  EventSQLInjection,
			Confidence: 0.90,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)union\s+(all\s+)?select`),
				regexp.MustCompile(`(?i)(select\s+.+\s+from|sleep\s*\(|benchmark\s*\()`),
				regexp.MustCompile(`(?i)(\bor\b\s+\d+\s*=\s*\d+|\bor\b\s*'[^']*'\s*=\s*'[^']*')`),
				regexp.MustCompile(`(?i)(drop\s+table|delete\s+from|truncate\s+table|insert\s+into)`),
				regexp.MustCompile(`(?i)'\s*(or|and|union|select)\b`),
			},
		},
		{
			Technique:  EventCommandInjection,
			Confidence: 0.88,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(;|\|\||&&|\|)\s*(cat|ls|id|whoami|uname|pwd|curl|wget|nc|netcat|bash|sh|python|perl)\b`),
				regexp.MustCompile("`[^`]+`|\\$\\([^)]+\\)"),
				regexp.MustCompile(`\(\)\s*\{`),
			},
		},
		{
			Technique:  EventLFI,
			Confidence: 0.85,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(php|file|data|expect|zip|phar)://`),
				regexp.MustCompile(`%00|\\x00`),
			},
		},
		{
			Technique:  EventPathTraversal,
			Confidence: 0.82,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(\.\./)+|\.\.\\`),
				regexp.MustCompile(`(?i)/etc/(passwd|shadow|hosts)`),
				regexp.MustCompile(`(?i)(c:\\windows|c:\\boot\.ini|\.env\b|wp-config\.php)`),
			},
		},
		{
			Technique:  EventXSS,
			Confidence: 0.80,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)<\s*script[^>]*>|<\s*/\s*script\s*>`),
				regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`),
				regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|submit)\s*=`),
				regexp.MustCompile(`(?i)(alert\s*\(|document\.cookie|<\s*img[^>]+onerror)`),
			},
		},
		{
			Technique:  EventSSRF,
			Confidence: 0.78,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(https?|gopher|dict)://(127\.0\.0\.1|localhost|0\.0\.0\.0|\[::1\])`),
				regexp.MustCompile(`(?i)169\.254\.169\.254`),
				regexp.MustCompile(`(?i)https?://(10|172\.(1[6-9]|2\d|3[01])|192\.168)\.`),
			},
		},
		{
			Technique:  EventCRLFInjection,
			Confidence: 0.72,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(%0d%0a|\r\n)\s*(set-cookie|location|content-length)\s*:`),
				regexp.MustCompile(`(?i)%0d%0a%0d%0a`),
			},
		},
		{
			Technique:  EventScannerTool,
			Confidence: 0.65,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(sqlmap|nikto|nmap|masscan|wpscan|gobuster|dirbuster|wfuzz|nuclei|acunetix|qualys)\b`),
				regexp.MustCompile(`(?i)\b(burp\s*suite|owasp\s*zap|zaproxy)\b`),
			},
		},
	}
}

// AddOverlay appends operator-supplied categories. Used by the config hot
// reload; replaces any previous overlay set.
func (cl *Classifier) AddOverlay(categories []SignatureCategory) {
	cl.mu.Lock()
	cl.overlay = categories
	cl.mu.Unlock()
}

// tokenSource is one extraction strategy: try it, fall through on miss.
type tokenSource struct {
	name string
	fn   func(req *fasthttp.Request) string
}

var tokenSources = []tokenSource{
	{"header", func(req *fasthttp.Request) string {
		return exactToken(string(req.Header.Peek(HeaderCID)))
	}},
	{"rewrite_header", func(req *fasthttp.Request) string {
		return exactToken(string(req.Header.Peek(HeaderRewriteCID)))
	}},
	{"query", func(req *fasthttp.Request) string {
		return exactToken(string(req.URI().QueryArgs().Peek(QueryParamCID)))
	}},
	{"authorization", func(req *fasthttp.Request) string {
		auth := string(req.Header.Peek("Authorization"))
		if rest, ok := strings.CutPrefix(auth, AuthSchemeCID+" "); ok {
			return exactToken(rest)
		}
		return ""
	}},
	{"cookie", func(req *fasthttp.Request) string {
		return exactToken(string(req.Header.Cookie(CookieCIDToken)))
	}},
	{"referer", func(req *fasthttp.Request) string {
		return cidLoose.FindString(string(req.Header.Peek("Referer")))
	}},
	{"user_agent", func(req *fasthttp.Request) string {
		return cidLoose.FindString(string(req.Header.UserAgent()))
	}},
}

func exactToken(v string) string {
	v = strings.TrimSpace(v)
	if cidExact.MatchString(v) {
		return v
	}
	return ""
}

// ExtractToken scans the delivery surfaces in priority order and returns
// the first valid token with the surface it came from.
func (cl *Classifier) ExtractToken(req *fasthttp.Request) (token, source string, ok bool) {
	for _, src := range tokenSources {
		if v := src.fn(req); v != "" {
			return v, src.name, true
		}
	}
	return "", "", false
}

// payload-carrying headers included in the scannable blob.
var payloadHeaders = []string{"Referer", "User-Agent", "Cookie", "X-Forwarded-Host"}

// Classify tests the request's scannable surface against the signature
// table. ok is false when nothing matched.
func (cl *Classifier) Classify(req *fasthttp.Request) (Classification, bool) {
	blob := scannableBlob(req)
	if blob == "" {
		return Classification{}, false
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var best Classification
	var found bool
	for _, set := range [][]SignatureCategory{cl.base, cl.overlay} {
		for _, cat := range set {
			for _, p := range cat.Patterns {
				if p.MatchString(blob) {
					if !found || cat.Confidence > best.Confidence {
						best = Classification{
							Technique:  cat.Technique,
							Signature:  p.String(),
							Confidence: cat.Confidence,
						}
						found = true
					}
					break
				}
			}
		}
	}
	return best, found
}

func scannableBlob(req *fasthttp.Request) string {
	var b strings.Builder
	b.WriteString(decodeLoose(string(req.URI().Path())))
	b.WriteByte('\n')
	b.WriteString(decodeLoose(string(req.URI().QueryString())))
	req.URI().QueryArgs().VisitAll(func(_, value []byte) {
		b.WriteByte('\n')
		b.Write(value)
	})
	for _, h := range payloadHeaders {
		if v := req.Header.Peek(h); len(v) > 0 {
			b.WriteByte('\n')
			b.Write(v)
		}
	}
	return b.String()
}

// decodeLoose reverses up to two layers of percent encoding so encoded
// traversal and injection payloads still hit the signature table. Invalid
// escapes are kept as-is rather than failing the scan.
func decodeLoose(s string) string {
	for i := 0; i < 2 && strings.Contains(s, "%"); i++ {
		dec, err := url.QueryUnescape(s)
		if err != nil || dec == s {
			break
		}
		s = dec
	}
	return s
}

// FallbackClassification labels a token-bearing request that matched no
// signature: the planted token is itself signal.
func FallbackClassification() Classification {
	return Classification{Technique: EventScannerTool, Signature: "token_without_signature", Confidence: 0.40}
}
