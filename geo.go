package webtrap

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const HeaderGeoCountry = "X-Geo-Country"

// CDN/edge geo headers consulted in order for a country signal.
var countryHeaders = []string{"CF-IPCountry", "X-Vercel-IP-Country", HeaderGeoCountry}

// ClientIP extracts the caller's address, preferring proxy headers over the
// socket peer.
func ClientIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		first := strings.Split(ip, ",")[0]
		return strings.TrimSpace(first)
	}
	return c.IP()
}

// Country returns the edge-supplied country code, "LAN" for private or
// loopback callers, and "ZZ" when nothing is known.
func Country(c *fiber.Ctx) string {
	for _, h := range countryHeaders {
		if v := strings.TrimSpace(c.Get(h)); v != "" {
			return strings.ToUpper(v)
		}
	}
	if addr := net.ParseIP(ClientIP(c)); addr != nil && (addr.IsLoopback() || addr.IsPrivate()) {
		return "LAN"
	}
	return "ZZ"
}
