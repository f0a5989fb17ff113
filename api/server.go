package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/internal/arweave"
	"github.com/oipwg/oipd/internal/gunsync"
	"github.com/oipwg/oipd/internal/health"
	"github.com/oipwg/oipd/internal/media"
	"github.com/oipwg/oipd/internal/oiptemplate"
	"github.com/oipwg/oipd/internal/ownership"
	"github.com/oipwg/oipd/internal/projection"
	"github.com/oipwg/oipd/internal/resolver"
	"github.com/oipwg/oipd/internal/secretstore"
	"github.com/oipwg/oipd/security"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Deps collects every component the HTTP Query Surface sits on top of. It
// mirrors the teacher's api.Handlers shape (a flat struct of service
// dependencies handed to route registration) but generalized past a single
// RabbitMQ/CouchDB pair to C1-C10's full set.
type Deps struct {
	Templates *oiptemplate.Registry
	Projector *projection.Projector
	Resolver  *resolver.Resolver
	Arweave   *arweave.GatewayClient
	Gun       *gunsync.SyncLoop
	// GunHomePeer is the whitelisted peer URL this node publishes new GUN
	// records to (spec §4.7 "operator-configured... whitelist").
	GunHomePeer string
	Secrets     *secretstore.Store
	Salts       *secretstore.DecryptedSaltCache
	JWT         *security.JWTService
	Health      *health.Tracker

	// MediaProducer backs POST /media (C9). Nil disables the route's
	// storage-dependent half; a deployment with no uploader configured can
	// still run every other component.
	MediaProducer media.HintProducer

	// ServerKey signs records published under node policy rather than a
	// caller-supplied signature (spec §4.11 "sign with server or user key
	// as policy dictates" — this deployment always signs server-side;
	// createRecordRequest has no signature field, so handleCreateRecord
	// never uses a caller-supplied signature).
	ServerKey        *secp256k1.PrivateKey
	ServerCreatorDID string

	// Override configures the admin-domain deletion gate (spec §4.8 step 2,
	// SPEC_FULL.md §12.5).
	Override    ownership.AdminOverride
	EmailDomain func(publicKey string) (domain string, ok bool)

	ResolveDepthMax int

	Log *logrus.Entry
}

// Server wires Deps into an Echo instance.
type Server struct {
	deps Deps
	log  *logrus.Entry
}

// NewServer builds a Server. Call RegisterRoutes to mount it on an *echo.Echo.
func NewServer(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.ResolveDepthMax <= 0 {
		deps.ResolveDepthMax = 5
	}
	return &Server{deps: deps, log: log}
}

// RegisterRoutes mounts the C11 route set on e, following the teacher's
// Logger/Recover/CORS middleware stack (cli/root.go's runServer) plus JWT
// auth in place of the teacher's single shared API key.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/health/*", s.handleHealth)

	records := e.Group("/records")
	records.GET("", s.handleListRecords, optionalAuth(s.deps.JWT))
	records.POST("", s.handleCreateRecord, requireAuth(s.deps.JWT))
	records.POST("/delete", s.handleDeleteRecord, requireAuth(s.deps.JWT))

	e.POST("/templates", s.handleCreateTemplate, requireAuth(s.deps.JWT))
	e.POST("/media", s.handleUploadMedia, requireAuth(s.deps.JWT))
}

// requestLogger replaces the teacher's generic middleware.Logger() with one
// emitting the same structured fields the rest of the daemon logs with
// (common.HTTPFields), so request logs join the same logrus/JSON pipeline
// as everything else instead of echo's separate text format.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqLog := common.RequestLogger("oipd", c.Request().Method, c.Path(), c.Response().Header().Get(echo.HeaderXRequestID))
		err := next(c)
		fields := common.HTTPFields(c.Request().Method, c.Path(), c.Response().Status, time.Since(start))
		reqLog.WithFields(fields).Info("request handled")
		return err
	}
}

// saltLookup resolves ownerPublicKey's decrypted GUN salt from the
// process-local cache (SPEC_FULL.md §12.4); a nil cache means this
// deployment never unlocks salts (e.g. Arweave-only), so every lookup
// misses.
func (d *Deps) saltLookup(ownerPublicKey string) (ownership.GunSalt, bool) {
	if d.Salts == nil {
		return ownership.GunSalt{}, false
	}
	return d.Salts.Lookup(ownerPublicKey)
}
