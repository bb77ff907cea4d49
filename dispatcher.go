package webtrap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"
)

// Propagation headers set when a request is rewritten.
const (
	HeaderGhostRoute       = "X-Ghost-Route"
	HeaderAttackToken      = "X-Attack-Token"
	HeaderAttackTechnique  = "X-Attack-Technique"
	HeaderAttackPayload    = "X-Attack-Payload"
	HeaderAttackConfidence = "X-Attack-Confidence"
)

const (
	DefaultIntakePath     = "/api/attack-intake"
	DefaultRestrictedPath = "/war-room"
)

// DispatcherConfig tunes the ingress decision procedure. Zero values get
// sensible defaults from NewDispatcher.
type DispatcherConfig struct {
	// AliasRoutes maps pretty paths to their internal handlers.
	AliasRoutes map[string]string
	// AllowPages are exact paths real visitors may load.
	AllowPages []string
	// AllowPrefixes are path prefixes for assets and APIs.
	AllowPrefixes []string
	// TokenExemptRoutes legitimately carry the CID header for session
	// tracking and are never intercepted.
	TokenExemptRoutes []string
	// ProtectedPrefixes require a verified identity.
	ProtectedPrefixes []string
	// RestrictedPath is the restricted-area shell; its sub-paths rewrite to
	// it instead of to root.
	RestrictedPath string
	// IntakePath receives intercepted external-tool requests.
	IntakePath string
	// AuthGate is the identity provider's verification hook.
	AuthGate func(c *fiber.Ctx) bool
}

// Dispatcher is the per-request state machine: five terminal branches
// evaluated in strict priority order, exactly one taken.
type Dispatcher struct {
	resolver   *Resolver
	classifier *Classifier
	engine     *Engine
	ledger     *DetectionLedger
	metrics    *Metrics
	logger     *log.Logger

	aliasRoutes map[string]string
	allowPages  map[string]bool
	allowPrefix []string
	tokenExempt map[string]bool
	protected   []string
	restricted  string
	intakePath  string
	authGate    func(c *fiber.Ctx) bool
}

func NewDispatcher(resolver *Resolver, classifier *Classifier, engine *Engine, ledger *DetectionLedger, metrics *Metrics, logger *log.Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if cfg.RestrictedPath == "" {
		cfg.RestrictedPath = DefaultRestrictedPath
	}
	if cfg.IntakePath == "" {
		cfg.IntakePath = DefaultIntakePath
	}
	if cfg.AliasRoutes == nil {
		cfg.AliasRoutes = map[string]string{
			"/console": "/_internal/console",
			"/netmap":  "/_internal/netmap",
		}
	}
	if cfg.AllowPages == nil {
		cfg.AllowPages = []string{"/", cfg.RestrictedPath, "/infamy", "/manifesto"}
	}
	if cfg.AllowPrefixes == nil {
		cfg.AllowPrefixes = []string{"/api/", "/assets/", "/static/", "/favicon"}
	}
	if cfg.TokenExemptRoutes == nil {
		cfg.TokenExemptRoutes = []string{
			"/api/handshake", "/api/session", "/api/event",
			"/api/alias", "/api/infamy", "/api/wipe",
		}
	}
	if cfg.ProtectedPrefixes == nil {
		cfg.ProtectedPrefixes = []string{"/api/operator/"}
	}
	if cfg.AuthGate == nil {
		cfg.AuthGate = func(c *fiber.Ctx) bool { return false }
	}

	d := &Dispatcher{
		resolver:    resolver,
		classifier:  classifier,
		engine:      engine,
		ledger:      ledger,
		metrics:     metrics,
		logger:      logger,
		aliasRoutes: cfg.AliasRoutes,
		allowPages:  make(map[string]bool, len(cfg.AllowPages)),
		allowPrefix: cfg.AllowPrefixes,
		tokenExempt: make(map[string]bool, len(cfg.TokenExemptRoutes)),
		protected:   cfg.ProtectedPrefixes,
		restricted:  cfg.RestrictedPath,
		intakePath:  cfg.IntakePath,
		authGate:    cfg.AuthGate,
	}
	for _, p := range cfg.AllowPages {
		d.allowPages[p] = true
	}
	for _, p := range cfg.TokenExemptRoutes {
		d.tokenExempt[p] = true
	}
	return d
}

// Middleware runs the dispatch procedure. The identity resolver runs on
// every branch; its cookie and header side effects apply to whatever
// response the chosen destination produces.
func (d *Dispatcher) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// The propagation headers are set only by the branches below; strip
		// any client-supplied values before dispatching.
		for _, h := range []string{HeaderGhostRoute, HeaderAttackToken, HeaderAttackTechnique, HeaderAttackPayload, HeaderAttackConfidence} {
			c.Request().Header.Del(h)
		}

		fp := d.resolver.Resolve(c)
		c.Set(HeaderGeoCountry, Country(c))
		path := c.Path()

		// 1. Alias rewrite: pretty paths to their internal handlers.
		if target, ok := d.aliasRoutes[path]; ok {
			d.count("alias")
			c.Path(target)
			return c.Next()
		}

		// 2. Attacker-token interception. A tool announcing a token is not
		// a human navigating, so this outranks ghost-route handling.
		if !d.tokenExempt[path] {
			if token, source, ok := d.classifier.ExtractToken(c.Request()); ok {
				d.interceptToken(c, fp, path, token, source)
				return c.Next()
			}
		}

		// 3. Ghost routes: anything off the known-page map is walked into
		// a decoy before authentication can redirect it away.
		if !d.allowedPath(path) {
			d.ghostRewrite(c, fp, path)
			return c.Next()
		}

		// 4. Authentication enforcement for protected paths.
		if d.protectedPath(path) && !d.authGate(c) {
			d.count("auth_reject")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "authentication required",
			})
		}

		// 5. Pass-through.
		d.count("pass")
		return c.Next()
	}
}

func (d *Dispatcher) interceptToken(c *fiber.Ctx, fp, path, token, source string) {
	cls, matched := d.classifier.Classify(c.Request())
	if !matched {
		// A planted token with no signature is still a deliberate signal.
		cls = FallbackClassification()
	}

	c.Request().Header.Set(HeaderAttackToken, token)
	c.Request().Header.Set(HeaderAttackTechnique, cls.Technique.String())
	c.Request().Header.Set(HeaderAttackPayload, sanitizePayload(c.OriginalURL()))
	c.Request().Header.Set(HeaderAttackConfidence, formatConfidence(cls.Confidence))

	if d.ledger != nil {
		d.ledger.Record(Detection{
			Fingerprint: fp,
			Route:       path,
			Technique:   cls.Technique.String(),
			Confidence:  cls.Confidence,
			Token:       token,
		})
	}
	d.count("token_intercept")
	if d.metrics != nil {
		d.metrics.Increment("webtrap_classifications_total", map[string]string{"technique": cls.Technique.String()})
	}
	d.logger.Info().
		Str("token", token).
		Str("source", source).
		Str("technique", cls.Technique.String()).
		Str("route", path).
		Msg("external tool intercepted")

	c.Path(d.intakePath)
}

func (d *Dispatcher) ghostRewrite(c *fiber.Ctx, fp, original string) {
	target := "/"
	if strings.HasPrefix(original, d.restricted+"/") {
		target = d.restricted
	}
	c.Request().Header.Set(HeaderGhostRoute, original)
	c.Set(HeaderGhostRoute, original)

	// Score the probe. Only handshaken visitors have sessions; for anyone
	// else the decoy is shown and nothing is recorded.
	if d.engine != nil {
		_, err := d.engine.Apply(c.UserContext(), fp, EventRouteProbe, EventContext{
			IP:       ClientIP(c),
			Location: Country(c),
			Route:    original,
			Action:   ActionTarpit,
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			d.logger.Warn().Err(err).Str("route", original).Msg("probe scoring failed")
		}
	}

	d.count("ghost")
	d.logger.Info().Str("route", original).Str("target", target).Msg("ghost route rewritten")
	c.Path(target)
}

func (d *Dispatcher) allowedPath(path string) bool {
	if d.allowPages[path] {
		return true
	}
	for _, prefix := range d.allowPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) protectedPath(path string) bool {
	for _, prefix := range d.protected {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) count(branch string) {
	if d.metrics != nil {
		d.metrics.Increment("webtrap_dispatch_total", map[string]string{"branch": branch})
	}
}

func formatConfidence(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
