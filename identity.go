package webtrap

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Identity wire names.
const (
	HeaderShieldFingerprint = "X-Shield-Fingerprint"
	HeaderFingerprint       = "X-Webtrap-Fingerprint"
	HeaderIngressIdentity   = "X-Ingress-Identity"

	DefaultIdentityCookie = "wtid"

	identityCookieTTL = 365 * 24 * time.Hour
	generatedPrefix   = "anon-"
	digestPrefix      = "hx-"

	localFingerprint = "webtrap.fingerprint"
)

// Resolver assigns a durable anonymous identity to every request. Signals
// are consulted in strict priority order and the first present value wins,
// never merged.
type Resolver struct {
	cookieName string
	oracle     bool   // consult the upstream shield fingerprint header
	digestKey  []byte // keyed digest for ingress-supplied identity material
	sources    []identitySource
}

type identitySource struct {
	name string
	fn   func(c *fiber.Ctx) string
}

func NewResolver(cookieName string, oracleEnabled bool, digestKey []byte) *Resolver {
	if cookieName == "" {
		cookieName = DefaultIdentityCookie
	}
	if len(digestKey) == 0 || len(digestKey) > 64 {
		digestKey = []byte("webtrap-ingress-digest")
	}
	r := &Resolver{cookieName: cookieName, oracle: oracleEnabled, digestKey: digestKey}
	r.sources = []identitySource{
		{"oracle", func(c *fiber.Ctx) string {
			if !r.oracle {
				return ""
			}
			return strings.TrimSpace(c.Get(HeaderShieldFingerprint))
		}},
		{"propagated", func(c *fiber.Ctx) string {
			return strings.TrimSpace(c.Get(HeaderFingerprint))
		}},
		{"cookie", func(c *fiber.Ctx) string {
			return strings.TrimSpace(c.Cookies(r.cookieName))
		}},
		{"ingress", func(c *fiber.Ctx) string {
			raw := strings.TrimSpace(c.Get(HeaderIngressIdentity))
			if raw == "" {
				return ""
			}
			return r.digest(raw)
		}},
		{"generated", func(c *fiber.Ctx) string {
			return generatedPrefix + uuid.NewString()
		}},
	}
	return r
}

// digest reduces an upstream identity blob to a compact stable token.
func (r *Resolver) digest(raw string) string {
	h, err := blake2b.New256(r.digestKey)
	if err != nil {
		return digestPrefix + raw
	}
	h.Write([]byte(raw))
	return digestPrefix + hex.EncodeToString(h.Sum(nil)[:16])
}

// Resolve determines the request's fingerprint, persists it client-side
// when no durable cookie exists yet, and propagates it on the response so
// later passes and downstream handlers agree on the identity. Resolution
// is idempotent for any client that keeps the cookie.
func (r *Resolver) Resolve(c *fiber.Ctx) string {
	var fp string
	for _, src := range r.sources {
		if v := src.fn(c); v != "" {
			fp = v
			break
		}
	}

	if c.Cookies(r.cookieName) == "" {
		c.Cookie(&fiber.Cookie{
			Name:     r.cookieName,
			Value:    fp,
			Path:     "/",
			Expires:  time.Now().Add(identityCookieTTL),
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}

	c.Locals(localFingerprint, fp)
	c.Set(HeaderFingerprint, fp)
	return fp
}

// Fingerprint returns the identity resolved earlier in the request, or ""
// when the dispatcher has not run.
func Fingerprint(c *fiber.Ctx) string {
	fp, _ := c.Locals(localFingerprint).(string)
	return fp
}
