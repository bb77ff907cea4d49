package webtrap

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func resolverApp(r *Resolver) *fiber.App {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(r.Resolve(c))
	})
	return app
}

func resolveOnce(t *testing.T, app *fiber.App, mutate func(*http.Request)) (string, *http.Response) {
	t.Helper()
	req := httptest.NewRequest("GET", "/", nil)
	if mutate != nil {
		mutate(req)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return string(body), resp
}

func TestResolveOracleOutranksCookie(t *testing.T) {
	app := resolverApp(NewResolver("", true, nil))
	fp, _ := resolveOnce(t, app, func(req *http.Request) {
		req.Header.Set(HeaderShieldFingerprint, "shield-abc")
		req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "cookie-xyz"})
	})
	if fp != "shield-abc" {
		t.Fatalf("expected shield fingerprint to win, got %q", fp)
	}
}

func TestResolveOracleDisabled(t *testing.T) {
	app := resolverApp(NewResolver("", false, nil))
	fp, _ := resolveOnce(t, app, func(req *http.Request) {
		req.Header.Set(HeaderShieldFingerprint, "shield-abc")
		req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "cookie-xyz"})
	})
	if fp != "cookie-xyz" {
		t.Fatalf("expected the cookie to win with the oracle off, got %q", fp)
	}
}

func TestResolveCookieIdempotent(t *testing.T) {
	app := resolverApp(NewResolver("", false, nil))
	fp, resp := resolveOnce(t, app, func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "cookie-xyz"})
	})
	if fp != "cookie-xyz" {
		t.Fatalf("got %q", fp)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == DefaultIdentityCookie {
			t.Fatal("resolver must not reissue an existing cookie")
		}
	}
	if got := resp.Header.Get(HeaderFingerprint); got != "cookie-xyz" {
		t.Fatalf("fingerprint header not propagated, got %q", got)
	}
}

func TestResolveGeneratesAndSetsCookie(t *testing.T) {
	app := resolverApp(NewResolver("", false, nil))
	fp, resp := resolveOnce(t, app, nil)
	if !strings.HasPrefix(fp, "anon-") {
		t.Fatalf("expected a generated identity, got %q", fp)
	}

	var issued *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == DefaultIdentityCookie {
			issued = ck
		}
	}
	if issued == nil {
		t.Fatal("expected an identity cookie on first contact")
	}
	if issued.Value != fp {
		t.Fatalf("cookie %q does not match fingerprint %q", issued.Value, fp)
	}
	if !issued.HttpOnly {
		t.Fatal("identity cookie must be http-only")
	}
}

func TestResolveIngressDigestStable(t *testing.T) {
	app := resolverApp(NewResolver("", false, []byte("test-key")))
	mutate := func(req *http.Request) {
		req.Header.Set(HeaderIngressIdentity, "203.0.113.7|Mozilla/5.0")
	}
	first, _ := resolveOnce(t, app, mutate)
	second, _ := resolveOnce(t, app, mutate)

	if !strings.HasPrefix(first, "hx-") {
		t.Fatalf("expected digest form, got %q", first)
	}
	if first != second {
		t.Fatalf("digest must be stable: %q vs %q", first, second)
	}
	if strings.Contains(first, "Mozilla") {
		t.Fatal("raw identity material leaked into the fingerprint")
	}
}
