package webtrap

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"
)

const (
	maxInfamyMessageLen = 280

	// HeaderAuthID carries the verified account id from the identity
	// provider sitting in front of this service.
	HeaderAuthID = "X-Auth-Id"
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9 _-]{2,24}$`)

// ValidAlias reports whether a display alias is acceptable.
func ValidAlias(s string) bool {
	return aliasPattern.MatchString(s)
}

// API owns the HTTP surface around the triage pipeline.
type API struct {
	store      Store
	engine     *Engine
	ledger     *DetectionLedger
	metrics    *Metrics
	logger     *log.Logger
	cookieName string
}

func NewAPI(store Store, engine *Engine, ledger *DetectionLedger, metrics *Metrics, logger *log.Logger) *API {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	return &API{
		store:      store,
		engine:     engine,
		ledger:     ledger,
		metrics:    metrics,
		logger:     logger,
		cookieName: DefaultIdentityCookie,
	}
}

// SetCookieName aligns the API with the resolver's identity cookie so the
// forensic wipe expires the cookie actually in use.
func (a *API) SetCookieName(name string) {
	if name != "" {
		a.cookieName = name
	}
}

// Register mounts every route the dispatcher can land a request on.
func (a *API) Register(app *fiber.App) {
	app.Get("/", a.landing)
	app.Get(DefaultRestrictedPath, a.restrictedShell)
	app.Get("/infamy", a.infamyPage)
	app.Get("/manifesto", a.landing)

	app.Post("/api/handshake", a.handshake)
	app.Get("/api/session", a.session)
	app.Post("/api/event", a.clientEvent)
	app.Post("/api/alias", a.updateAlias)
	app.Post("/api/link", a.linkAuth)
	app.Post("/api/infamy", a.postInfamy)
	app.Get("/api/infamy", a.listInfamy)
	app.Post("/api/wipe", a.wipe)
	app.All(DefaultIntakePath, a.attackIntake)

	app.Get("/api/operator/health", a.operatorHealth)

	app.Get("/_internal/metrics", a.exportMetrics)
	app.Get("/_internal/detections", a.detections)
	app.Get("/_internal/console", a.console)
	app.Get("/_internal/netmap", a.netmap)
}

// pending is the neutral degraded response used when the store is
// unavailable: the UI shows a pending state, never an error page.
func pending(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "pending"})
}

// sessionFor resolves the caller's session. A verified account id outranks
// the fingerprint once linked, so a returning user keeps their session even
// with a fresh identity cookie.
func (a *API) sessionFor(c *fiber.Ctx) (*Session, error) {
	if authID := strings.TrimSpace(c.Get(HeaderAuthID)); authID != "" {
		sess, err := a.store.GetSessionByAuthID(c.UserContext(), authID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return a.store.GetSession(c.UserContext(), Fingerprint(c))
}

func (a *API) landing(c *fiber.Ctx) error {
	resp := fiber.Map{"page": "landing"}
	if ghost := c.Get(HeaderGhostRoute); ghost != "" {
		resp["echo"] = ghost
	}
	return c.JSON(resp)
}

func (a *API) restrictedShell(c *fiber.Ctx) error {
	resp := fiber.Map{"page": "war-room"}
	if ghost := c.Get(HeaderGhostRoute); ghost != "" {
		resp["echo"] = ghost
	}
	return c.JSON(resp)
}

func (a *API) infamyPage(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"page": "infamy"})
}

// handshake is the only way a session comes into existence. Passive page
// loads never create rows.
func (a *API) handshake(c *fiber.Ctx) error {
	fp := Fingerprint(c)
	if fp == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no resolvable identity"})
	}

	sess, created, err := a.store.UpsertSession(c.UserContext(), fp)
	if err != nil {
		a.logger.Error().Err(err).Msg("handshake upsert failed")
		return pending(c)
	}
	if created {
		if _, err := a.engine.Apply(c.UserContext(), fp, EventHandshake, EventContext{
			IP:       ClientIP(c),
			Location: Country(c),
			Action:   ActionAllowed,
		}); err != nil {
			a.logger.Warn().Err(err).Msg("handshake event dropped")
		}
	}
	return c.JSON(fiber.Map{
		"cid":        sess.PublicID,
		"alias":      sess.DisplayAlias,
		"riskScore":  sess.RiskScore,
		"ceiling":    sess.Ceiling(),
		"newRecruit": created,
	})
}

func (a *API) session(c *fiber.Ctx) error {
	sess, err := a.sessionFor(c)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(fiber.Map{"status": "unknown"})
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("session lookup failed")
		return pending(c)
	}
	techniques, err := a.store.CountDistinctTechniques(c.UserContext(), sess.Fingerprint)
	if err != nil {
		techniques = 0
	}
	return c.JSON(fiber.Map{
		"cid":              sess.PublicID,
		"alias":            sess.DisplayAlias,
		"riskScore":        sess.RiskScore,
		"ceiling":          sess.Ceiling(),
		"probeCount":       sess.ProbeCount,
		"uniqueTechniques": techniques,
		"firstSeen":        sess.FirstSeen,
		"lastSeen":         sess.LastSeen,
		"milestones": fiber.Map{
			OpGhostWalker: sess.OpGhostWalker,
			OpToolsmith:   sess.OpToolsmith,
			OpBreaker:     sess.OpBreaker,
		},
	})
}

type clientEventRequest struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// clientEvent ingests browser-reported telemetry. Only the reportable
// subset of the taxonomy is accepted; everything else is derived
// server-side and cannot be injected through this endpoint.
func (a *API) clientEvent(c *fiber.Ctx) error {
	fp := Fingerprint(c)
	if fp == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no resolvable identity"})
	}
	var req clientEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed event"})
	}
	t, ok := ParseEventType(req.Type)
	if !ok || !t.ClientReportable() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown event type"})
	}

	result, err := a.engine.Apply(c.UserContext(), fp, t, EventContext{
		IP:       ClientIP(c),
		Location: Country(c),
		Payload:  req.Payload,
		Action:   ActionFlagged,
	})
	if errors.Is(err, ErrNotFound) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "handshake required"})
	}
	if err != nil {
		a.logger.Error().Err(err).Str("event", req.Type).Msg("client event dropped")
		return pending(c)
	}
	return c.JSON(fiber.Map{
		"riskScore": result.NewScore,
		"impact":    result.AppliedImpact,
		"unlocked":  result.Unlocked,
	})
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

func (a *API) updateAlias(c *fiber.Ctx) error {
	var req aliasRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed request"})
	}
	alias := strings.TrimSpace(req.Alias)
	if !ValidAlias(alias) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "alias must be 2-24 characters: letters, digits, space, hyphen, underscore",
		})
	}
	sess, err := a.sessionFor(c)
	if err == nil {
		err = a.store.UpdateAlias(c.UserContext(), sess.Fingerprint, alias)
	}
	if errors.Is(err, ErrNotFound) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "handshake required"})
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("alias update failed")
		return pending(c)
	}
	return c.JSON(fiber.Map{"alias": alias})
}

// linkAuth binds the provider-verified account id to the session. Once
// linked, the account id takes lookup priority upstream; here it only
// needs to be recorded exactly once.
func (a *API) linkAuth(c *fiber.Ctx) error {
	fp := Fingerprint(c)
	authID := strings.TrimSpace(c.Get(HeaderAuthID))
	if authID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no verified identity"})
	}
	err := a.store.LinkExternalAuth(c.UserContext(), fp, authID)
	if errors.Is(err, ErrAuthLinked) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already linked"})
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("auth link failed")
		return pending(c)
	}
	return c.JSON(fiber.Map{"status": "linked"})
}

type infamyRequest struct {
	Message string `json:"message"`
}

// postInfamy writes the permanent wall entry. Gated at a live score of 90
// and at most once per fingerprint, forever.
func (a *API) postInfamy(c *fiber.Ctx) error {
	sess, err := a.sessionFor(c)
	if errors.Is(err, ErrNotFound) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "handshake required"})
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("infamy session lookup failed")
		return pending(c)
	}
	if sess.RiskScore < 90 {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "risk score below 90"})
	}

	var req infamyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed request"})
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" || utf8.RuneCountInString(msg) > maxInfamyMessageLen {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message must be 1-280 characters"})
	}
	if strings.ContainsAny(msg, "<>") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "markup is not allowed"})
	}

	err = a.store.CreateInfamyEntry(c.UserContext(), &InfamyEntry{
		Fingerprint:        sess.Fingerprint,
		Alias:              sess.DisplayAlias,
		Message:            msg,
		RiskScoreAtPosting: sess.RiskScore,
	})
	if errors.Is(err, ErrInfamyExists) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already posted"})
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("infamy insert failed")
		return pending(c)
	}
	return c.JSON(fiber.Map{"status": "immortalized"})
}

func (a *API) listInfamy(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	entries, err := a.store.ListInfamy(c.UserContext(), limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("infamy list failed")
		return pending(c)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

// wipe is the forensic wipe: session and events destroyed, infamy kept,
// identity cookie expired so the next visit starts clean.
func (a *API) wipe(c *fiber.Ctx) error {
	fp := Fingerprint(c)
	if err := a.store.ForensicWipe(c.UserContext(), fp); err != nil {
		a.logger.Error().Err(err).Msg("forensic wipe failed")
		return pending(c)
	}
	c.ClearCookie(a.cookieName)
	return c.JSON(fiber.Map{"status": "wiped"})
}

// attackIntake receives requests the dispatcher intercepted for carrying
// an attacker token. The token is the attacker's own public ID, so the
// event lands on the session that minted it when one exists.
func (a *API) attackIntake(c *fiber.Ctx) error {
	token := c.Get(HeaderAttackToken)
	technique := c.Get(HeaderAttackTechnique)
	payload := c.Get(HeaderAttackPayload)
	confidence := c.Get(HeaderAttackConfidence)

	// Only the dispatcher's interception sets these headers. A direct visit
	// to the path is just a curious browser, not a tooled attack.
	if token == "" && technique == "" {
		return c.Status(fiber.StatusTeapot).JSON(fiber.Map{"status": "noted"})
	}

	target := Fingerprint(c)
	if token != "" {
		if sess, err := a.store.GetSessionByPublicID(c.UserContext(), token); err == nil {
			target = sess.Fingerprint
		}
	}

	ec := EventContext{
		IP:       ClientIP(c),
		Location: Country(c),
		Route:    c.Path(),
		Payload:  payload,
		Action:   ActionTarpit,
	}

	var score int
	if t, ok := ParseEventType(technique); ok && t.Injection() {
		if result, err := a.engine.Apply(c.UserContext(), target, t, ec); err == nil {
			score = result.NewScore
		} else if !errors.Is(err, ErrNotFound) {
			a.logger.Error().Err(err).Str("technique", technique).Msg("intake technique event dropped")
		}
	}
	result, err := a.engine.Apply(c.UserContext(), target, EventExternalAttack, ec)
	if errors.Is(err, ErrNotFound) {
		// No session to attribute the replay to; still tarpit the tool.
		return c.Status(fiber.StatusTeapot).JSON(fiber.Map{"status": "noted"})
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("intake event dropped")
		return pending(c)
	}
	score = result.NewScore

	a.logger.Info().
		Str("token", token).
		Str("technique", technique).
		Str("confidence", confidence).
		Int("score", score).
		Msg("external attack recorded")
	return c.Status(fiber.StatusTeapot).JSON(fiber.Map{"status": "recorded", "riskScore": score})
}

func (a *API) operatorHealth(c *fiber.Ctx) error {
	status := "ok"
	if err := a.store.HealthCheck(); err != nil {
		status = "degraded"
	}
	return c.JSON(fiber.Map{"status": status})
}

func (a *API) exportMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(a.metrics.ExportPrometheus())
}

func (a *API) detections(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"detections": a.ledger.Snapshot(),
		"summary":    a.ledger.Summary(),
	})
}

func (a *API) console(c *fiber.Ctx) error {
	storeStatus := "ok"
	if err := a.store.HealthCheck(); err != nil {
		storeStatus = "degraded"
	}
	return c.JSON(fiber.Map{
		"store":   storeStatus,
		"summary": a.ledger.Summary(),
	})
}

func (a *API) netmap(c *fiber.Ctx) error {
	summary := a.ledger.Summary()
	return c.JSON(fiber.Map{
		"activeIdentities": summary.ActiveIdentities,
		"techniques":       summary.ActiveTechniques,
	})
}
