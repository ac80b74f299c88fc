package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uncord-chat/signalcore/internal/api"
	"github.com/uncord-chat/signalcore/internal/apierrors"
	"github.com/uncord-chat/signalcore/internal/authstate"
	"github.com/uncord-chat/signalcore/internal/backupcode"
	"github.com/uncord-chat/signalcore/internal/bootstrap"
	"github.com/uncord-chat/signalcore/internal/channel"
	"github.com/uncord-chat/signalcore/internal/config"
	"github.com/uncord-chat/signalcore/internal/credential"
	"github.com/uncord-chat/signalcore/internal/device"
	"github.com/uncord-chat/signalcore/internal/disposable"
	"github.com/uncord-chat/signalcore/internal/email"
	"github.com/uncord-chat/signalcore/internal/envelope"
	"github.com/uncord-chat/signalcore/internal/gateway"
	"github.com/uncord-chat/signalcore/internal/geo"
	"github.com/uncord-chat/signalcore/internal/hmacsession"
	"github.com/uncord-chat/signalcore/internal/httputil"
	"github.com/uncord-chat/signalcore/internal/invite"
	"github.com/uncord-chat/signalcore/internal/magiclink"
	"github.com/uncord-chat/signalcore/internal/mail"
	"github.com/uncord-chat/signalcore/internal/media"
	"github.com/uncord-chat/signalcore/internal/member"
	"github.com/uncord-chat/signalcore/internal/noncecache"
	"github.com/uncord-chat/signalcore/internal/otp"
	"github.com/uncord-chat/signalcore/internal/permission"
	"github.com/uncord-chat/signalcore/internal/postgres"
	"github.com/uncord-chat/signalcore/internal/prekey"
	"github.com/uncord-chat/signalcore/internal/refresh"
	"github.com/uncord-chat/signalcore/internal/role"
	servercfg "github.com/uncord-chat/signalcore/internal/server"
	"github.com/uncord-chat/signalcore/internal/session"
	"github.com/uncord-chat/signalcore/internal/user"
	"github.com/uncord-chat/signalcore/internal/valkey"
	"github.com/uncord-chat/signalcore/internal/writeserializer"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg          *config.Config
	db           *pgxpool.Pool
	rdb          *redis.Client
	serializer   *writeserializer.Serializer
	userRepo     user.Repository
	serverRepo   servercfg.Repository
	channelRepo  channel.Repository
	memberRepo   member.Repository
	roleRepo     role.Repository
	inviteRepo   invite.Repository
	devices      *device.Registry
	prekeys      *prekey.Store
	envelopes    envelope.Store
	sessions     *session.Manager
	hmacStore    *hmacsession.Store
	hmacVerifier *hmacsession.Verifier
	refreshStore *refresh.Store
	magicLinks   *magiclink.Service
	backupCodes  *backupcode.Service
	flow         *authstate.Service
	minter       *media.Minter
	revoker      *media.Revoker
	notifier     *mail.Notifier
	geoLookup    geo.Lookup
	permResolver *permission.Resolver
	permPub      *permission.Publisher
	gatewayHub   *gateway.Hub
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting signalcore")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	signingKey, err := hex.DecodeString(cfg.ServerSecret)
	if err != nil {
		return fmt.Errorf("decode SERVER_SECRET: %w", err)
	}

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Single-writer queue for every state mutation. Reads bypass it.
	serializer := writeserializer.New(256, cfg.WriteOpDeadline, log.Logger)
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go serializer.Run(subCtx)

	// Check first-run and seed if needed
	var seeded *bootstrap.Seeded
	firstRun, err := bootstrap.IsFirstRun(ctx, db)
	if err != nil {
		return fmt.Errorf("check first run: %w", err)
	}
	if firstRun {
		log.Info().Msg("First run detected, running initialization")
		seeded, err = bootstrap.RunFirstInit(ctx, db, cfg, log.Logger)
		if err != nil {
			return fmt.Errorf("first-run initialization: %w", err)
		}
	}

	// Disposable-address blocklist with a warm cache before requests land.
	blocklist := disposable.NewBlocklist(cfg.DisposableBlocklistURL, cfg.DisposableBlocklistEnabled, log.Logger)
	blocklist.Prefetch(ctx)
	go runWithBackoff(subCtx, "disposable-blocklist", func(ctx context.Context) error {
		return blocklist.Run(ctx, cfg.DisposableBlocklistRefresh)
	})

	// Permission engine
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb)
	permResolver := permission.NewResolver(permStore, permCache, log.Logger)
	permPub := permission.NewPublisher(rdb)
	permSub := permission.NewSubscriber(permCache, rdb, log.Logger)
	go runWithBackoff(subCtx, "permission-cache-subscriber", permSub.Run)

	// Repositories
	userRepo := user.NewPGRepository(db, serializer, log.Logger)
	serverRepo := servercfg.NewPGRepository(db, log.Logger)
	channelRepo := channel.NewPGRepository(db, log.Logger)
	memberRepo := member.NewPGRepository(db, log.Logger)
	roleRepo := role.NewPGRepository(db, log.Logger)
	inviteRepo := invite.NewPGRepository(db, log.Logger)

	// Outbound mail. Absence is tolerated everywhere: codes are logged,
	// notifications are skipped.
	var sender mail.Sender
	if cfg.SMTPConfigured() {
		emailClient := email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err := emailClient.Ping(); err != nil {
			log.Warn().Err(err).Msg("SMTP connection test failed. Mail may not be delivered.")
		} else {
			log.Info().Str("host", cfg.SMTPHost).Int("port", cfg.SMTPPort).Msg("SMTP connection verified")
		}
		sender = mail.NewSMTPSender(emailClient)
		if cfg.IsDevelopment() {
			log.Info().Msg("SMTP routed to Mailpit. View caught emails at http://localhost:8025")
		}
	} else {
		log.Warn().Msg("SMTP_HOST is not configured. One-time codes will only appear in the server log.")
	}
	notifier := mail.NewNotifier(sender, userRepo, log.Logger)

	// Best-effort IP enrichment.
	var geoLookup geo.Lookup = geo.NullLookup{}
	if cfg.GeoLookupConfigured() {
		geoLookup = geo.NewHTTPLookup(cfg.GeoLookupURL, cfg.GeoLookupTimeout)
	}

	// Auth subcomponents
	otpService := otp.New(rdb, sender, cfg.OTPExpiry, cfg.OTPWait, log.Logger)
	backupStore := authstate.NewBackupCodeStore(userRepo)
	backupCodes := backupcode.New(backupStore, backupcode.NewAttemptTracker())

	rpOrigins := splitCSV(cfg.RPOrigins)
	rpOrigins = append(rpOrigins, splitCSV(cfg.AppIdentityPrefixes)...)
	credentials, err := credential.New(cfg.ServerName, cfg.RPID, rpOrigins, userRepo)
	if err != nil {
		return fmt.Errorf("configure credential broker: %w", err)
	}

	sessions := session.NewManager(rdb, serializer, cfg.CookieSessionTTL)
	hmacStore := hmacsession.NewStore(db)
	nonces := noncecache.New()
	hmacVerifier := hmacsession.NewVerifier(hmacStore, nonces, userRepo)
	refreshStore := refresh.NewStore(rdb, cfg.RefreshTokenTTL)
	devices := device.NewRegistry(db, refreshStore, serializer, log.Logger)
	prekeys := prekey.NewStore(db, serializer, log.Logger)
	magicLinks := magiclink.New(magiclink.NewStore(), signingKey, cfg.ServerURL)

	defaultRoleIDs := parseRoleIDs(cfg.DefaultRoleIDs)
	if len(defaultRoleIDs) == 0 && seeded != nil {
		defaultRoleIDs = []uuid.UUID{seeded.MemberRoleID}
	}

	flow := authstate.New(
		userRepo, inviteRepo, otpService, backupCodes, backupStore,
		credentials, sessions, hmacStore, refreshStore, devices, roleRepo,
		authstate.Config{
			InviteOnly:     cfg.InviteOnlyMode,
			Policy:         authstate.NewAddressPolicy(cfg.AddressSuffixAllow, cfg.AddressSuffixDeny),
			Blocklist:      blocklist,
			DefaultRoleIDs: defaultRoleIDs,
			HMACSessionTTL: cfg.HMACSessionTTL,
		},
		log.Logger,
	)

	// Envelope fan-out with the WebSocket push notifier layered on top.
	gatewaySessions := gateway.NewSessionStore(rdb, cfg.WSResumeTTL, cfg.WSReplayMax)
	gatewayPub := gateway.NewPublisher(rdb, log.Logger)
	gatewayHub := gateway.NewHub(rdb, cfg, gatewaySessions, hmacVerifier, log.Logger)
	go runWithBackoff(subCtx, "gateway-hub", gatewayHub.Run)

	envelopes := envelope.NewPGStore(db, serializer, channelRepo, memberRepo, devices, gatewayPub, log.Logger)

	// Media token minting
	minter := media.New([]byte(cfg.MediaSigningKey), cfg.ServerURL)
	revoker := media.NewRevoker(rdb)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "signalcore",
		BodyLimit: 4 * 1024 * 1024,
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierrors.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", api.HeaderClientID, api.HeaderTimestamp, api.HeaderNonce, api.HeaderSignature},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	srv := &server{
		cfg:          cfg,
		db:           db,
		rdb:          rdb,
		serializer:   serializer,
		userRepo:     userRepo,
		serverRepo:   serverRepo,
		channelRepo:  channelRepo,
		memberRepo:   memberRepo,
		roleRepo:     roleRepo,
		inviteRepo:   inviteRepo,
		devices:      devices,
		prekeys:      prekeys,
		envelopes:    envelopes,
		sessions:     sessions,
		hmacStore:    hmacStore,
		hmacVerifier: hmacVerifier,
		refreshStore: refreshStore,
		magicLinks:   magicLinks,
		backupCodes:  backupCodes,
		flow:         flow,
		minter:       minter,
		revoker:      revoker,
		notifier:     notifier,
		geoLookup:    geoLookup,
		permResolver: permResolver,
		permPub:      permPub,
		gatewayHub:   gatewayHub,
	}
	srv.registerRoutes(app)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		gatewayHub.Shutdown()
		subCancel()
		serializer.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *server) registerRoutes(app *fiber.App) {
	guard := api.NewAuthMiddleware(s.hmacVerifier, s.sessions, log.Logger).
		WithSightings(s.devices, s.geoLookup)
	requireAuth := guard.RequireAuth()

	health := api.NewHealthHandler(s.db, redisPinger{client: s.rdb})
	app.Get("/api/v1/health", health.Health)

	serverHandler := api.NewServerHandler(s.serverRepo, log.Logger)
	app.Get("/api/v1/server/info", serverHandler.GetPublicInfo)
	app.Patch("/api/v1/server", requireAuth,
		permission.RequireServerPermission(s.permResolver, permission.ServerManage),
		serverHandler.Update)

	authHandler := api.NewAuthHandler(
		s.flow, s.sessions, s.userRepo, s.backupCodes, s.refreshStore,
		s.hmacStore, s.magicLinks, s.notifier, s.geoLookup,
		api.AuthHandlerConfig{
			CookieSecure:   s.cfg.CookieSecure,
			CookieTTL:      s.cfg.CookieSessionTTL,
			HMACSessionTTL: s.cfg.HMACSessionTTL,
		},
		log.Logger,
	)

	// Auth routes with stricter rate limiting (public, pre-authentication)
	authGroup := app.Group("/api/v1/auth")
	authGroup.Use(limiter.New(limiter.Config{
		Max:        30,
		Expiration: time.Minute,
	}))
	authGroup.Post("/enroll", authHandler.Enroll)
	authGroup.Post("/otp", authHandler.VerifyOTP)
	authGroup.Post("/backup-codes", authHandler.EmitBackupCodes)
	authGroup.Post("/backup-codes/verify", authHandler.VerifyBackupCode)
	authGroup.Post("/credential/enroll/begin", authHandler.BeginCredentialEnrollment)
	authGroup.Post("/credential/enroll/finish", authHandler.FinishCredentialEnrollment)
	authGroup.Post("/credential/assert/begin", authHandler.BeginCredentialAssertion)
	authGroup.Post("/credential/assert/finish", authHandler.FinishCredentialAssertion)
	authGroup.Get("/csrf", authHandler.IssueCSRFState)
	authGroup.Post("/magiclink/verify", authHandler.VerifyMagicLink)
	authGroup.Post("/refresh", authHandler.RedeemRefreshToken)

	// Authenticated auth operations
	authGroup.Post("/backup-codes/regenerate", requireAuth, authHandler.RegenerateBackupCodes)
	authGroup.Post("/magiclink", requireAuth, authHandler.MintMagicLink)
	authGroup.Post("/logout", requireAuth, authHandler.Logout)
	app.Post("/api/v1/session/refresh", requireAuth, authHandler.RefreshSession)

	// Profile and preferences
	userHandler := api.NewUserHandler(s.userRepo, s.notifier, log.Logger)
	userGroup := app.Group("/api/v1/users", requireAuth)
	userGroup.Get("/@me", userHandler.GetMe)
	userGroup.Patch("/@me", userHandler.UpdateMe)
	userGroup.Get("/@me/notifications", userHandler.GetNotificationPrefs)
	userGroup.Put("/@me/notifications", userHandler.SetNotificationPrefs)

	// Device registry
	deviceHandler := api.NewDeviceHandler(s.devices, s.notifier, log.Logger)
	deviceGroup := app.Group("/api/v1/devices", requireAuth)
	deviceGroup.Get("/", deviceHandler.List)
	deviceGroup.Delete("/:deviceID", deviceHandler.Remove)

	// Pre-key material
	prekeyHandler := api.NewPreKeyHandler(s.prekeys, log.Logger)
	keysGroup := app.Group("/api/v1/keys", requireAuth)
	keysGroup.Put("/identity", prekeyHandler.PublishIdentity)
	keysGroup.Post("/signed", prekeyHandler.PublishSignedPreKey)
	keysGroup.Post("/one-time", prekeyHandler.PublishPreKeysBulk)
	keysGroup.Get("/bundle/:userID", prekeyHandler.FetchBundle)
	keysGroup.Get("/status", prekeyHandler.Status)
	keysGroup.Post("/sync", prekeyHandler.ValidateAndSync)

	// Channels and membership
	channelHandler := api.NewChannelHandler(s.channelRepo, s.memberRepo, s.notifier, log.Logger)
	channelGroup := app.Group("/api/v1/channels", requireAuth)
	channelGroup.Get("/", channelHandler.List)
	channelGroup.Post("/",
		permission.RequireServerPermission(s.permResolver, permission.ChannelCreate),
		channelHandler.Create)
	channelGroup.Get("/:channelID", channelHandler.Get)
	channelGroup.Delete("/:channelID",
		permission.RequirePermission(s.permResolver, permission.ChannelManage),
		channelHandler.Delete)
	channelGroup.Post("/:channelID/join", channelHandler.Join)
	channelGroup.Post("/:channelID/leave", channelHandler.Leave)
	channelGroup.Get("/:channelID/members",
		permission.RequirePermission(s.permResolver, permission.MemberView),
		channelHandler.ListMembers)
	channelGroup.Put("/:channelID/members/:userID",
		permission.RequirePermission(s.permResolver, permission.UserAdd),
		channelHandler.AddMember)
	channelGroup.Delete("/:channelID/members/:userID",
		permission.RequirePermission(s.permResolver, permission.UserKick),
		channelHandler.KickMember)

	// Envelope store-and-forward
	envelopeHandler := api.NewEnvelopeHandler(s.envelopes, log.Logger)
	channelGroup.Post("/:channelID/envelopes", envelopeHandler.SendGroup)
	channelGroup.Get("/:channelID/envelopes", envelopeHandler.ReadChannel)
	envelopeGroup := app.Group("/api/v1/envelopes", requireAuth)
	envelopeGroup.Post("/direct", envelopeHandler.SendDirect)
	envelopeGroup.Get("/direct/:peerID", envelopeHandler.ReadDirect)
	envelopeGroup.Get("/channels", envelopeHandler.ReadAllChannels)
	envelopeGroup.Delete("/:messageID", envelopeHandler.Delete)

	// Roles and assignment
	roleHandler := api.NewRoleHandler(s.roleRepo, s.channelRepo, s.permPub, log.Logger)
	roleGroup := app.Group("/api/v1/roles", requireAuth)
	roleGroup.Get("/", roleHandler.List)
	roleGroup.Post("/",
		permission.RequireServerPermission(s.permResolver, permission.RoleCreate),
		roleHandler.Create)
	roleGroup.Patch("/:roleID",
		permission.RequireServerPermission(s.permResolver, permission.RoleEdit),
		roleHandler.Update)
	roleGroup.Delete("/:roleID",
		permission.RequireServerPermission(s.permResolver, permission.RoleDelete),
		roleHandler.Delete)
	app.Put("/api/v1/users/:userID/roles/:roleID", requireAuth,
		permission.RequireServerPermission(s.permResolver, permission.RoleAssign),
		roleHandler.AssignServer)
	app.Delete("/api/v1/users/:userID/roles/:roleID", requireAuth,
		permission.RequireServerPermission(s.permResolver, permission.RoleAssign),
		roleHandler.UnassignServer)
	channelGroup.Put("/:channelID/users/:userID/roles/:roleID",
		permission.RequireServerPermission(s.permResolver, permission.RoleAssign),
		roleHandler.AssignChannel)
	channelGroup.Delete("/:channelID/users/:userID/roles/:roleID",
		permission.RequireServerPermission(s.permResolver, permission.RoleAssign),
		roleHandler.UnassignChannel)

	// Invitations
	inviteHandler := api.NewInviteHandler(s.inviteRepo, s.userRepo, s.notifier, s.cfg.ServerName, log.Logger)
	app.Get("/api/v1/invites/:token", inviteHandler.Get)
	app.Post("/api/v1/invites", requireAuth,
		permission.RequireServerPermission(s.permResolver, permission.UserAdd),
		inviteHandler.Create)
	app.Delete("/api/v1/invites/:token", requireAuth,
		permission.RequireServerPermission(s.permResolver, permission.ServerManage),
		inviteHandler.Delete)

	// Media room tokens
	mediaHandler := api.NewMediaHandler(
		s.minter, s.revoker, s.channelRepo, s.memberRepo, s.userRepo,
		api.MediaHandlerConfig{
			TokenTTL: s.cfg.MediaTokenTTL,
			STUNURLs: stunURLs(s.cfg.ICEServerURLs),
			TURNURLs: turnURLs(s.cfg.ICEServerURLs),
		},
		log.Logger,
	)
	mediaGroup := app.Group("/api/v1/media", requireAuth)
	mediaGroup.Post("/rooms/:channelID/token", mediaHandler.MintRoomToken)
	mediaGroup.Get("/rooms/:channelID/ice", mediaHandler.ICEConfig)
	mediaGroup.Post("/token/verify", mediaHandler.VerifyToken)

	// Gateway WebSocket endpoint (unauthenticated; authentication happens inside the WebSocket via Identify).
	gatewayHandler := api.NewGatewayHandler(s.gatewayHub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest stable
// error code.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierrors.NotFound
	case fiber.StatusUnauthorized:
		return apierrors.NotAuthenticated
	case fiber.StatusForbidden:
		return apierrors.Forbidden
	default:
		if status >= 400 && status < 500 {
			return apierrors.MalformedInput
		}
		return apierrors.InternalError
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseRoleIDs(raw string) []uuid.UUID {
	var out []uuid.UUID
	for _, part := range splitCSV(raw) {
		id, err := uuid.Parse(part)
		if err != nil {
			log.Warn().Str("value", part).Msg("Ignoring invalid DEFAULT_ROLE_IDS entry")
			continue
		}
		out = append(out, id)
	}
	return out
}

func stunURLs(raw string) []string {
	var out []string
	for _, u := range splitCSV(raw) {
		if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
			out = append(out, u)
		}
	}
	return out
}

func turnURLs(raw string) []string {
	var out []string
	for _, u := range splitCSV(raw) {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			out = append(out, u)
		}
	}
	return out
}
