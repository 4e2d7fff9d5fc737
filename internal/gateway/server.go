package gateway

import (
	"context"
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/util"
)

const (
	tokenLocal  = "access_token"
	tokenQuery  = "token"
	tokenCookie = "auth_token"
)

// Server is the fiber app that upgrades authenticated requests to websockets
type Server struct {
	app       *fiber.App
	hub       *Hub
	validator Validator
	cfg       ClientConfig
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
}

func ClientConfigFrom(cfg config.GatewayConfig) ClientConfig {
	return ClientConfig{
		PingInterval:       cfg.PingInterval,
		PongWait:           cfg.PongWait,
		WriteWait:          cfg.WriteWait,
		MaxMessageSize:     cfg.MaxMessageSize,
		SendBuffer:         cfg.SendBuffer,
		MessagesPerSecond:  cfg.MessagesPerSecond,
		MessageBurst:       cfg.MessageBurst,
		RevalidateInterval: cfg.RevalidateInterval,
	}
}

func NewServer(hub *Hub, validator Validator, cfg ClientConfig, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:       hub,
		validator: validator,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "otp-auth-gateway",
	})
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "connections": hub.Count()})
	})
	app.Get("/ws", s.handshake, websocket.New(s.serve))

	s.app = app
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

// handshake validates the token before the upgrade so a bad token gets a
// plain 401 instead of a websocket
func (s *Server) handshake(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	token := tokenFrom(c)
	if token == "" {
		metrics.GatewayHandshakeFailuresTotal.Inc()
		return unauthorized(c, "missing_token")
	}
	if _, err := s.validator.Validate(c.UserContext(), token); err != nil {
		metrics.GatewayHandshakeFailuresTotal.Inc()
		reason, terminal := revocationReason(err)
		if !terminal {
			s.logger.Warn("Gateway handshake validation failed", util.ErrorField(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"code": "unavailable", "message": "authentication unavailable"},
			})
		}
		return unauthorized(c, reason)
	}

	c.Locals(tokenLocal, token)
	return c.Next()
}

func (s *Server) serve(conn *websocket.Conn) {
	token, _ := conn.Locals(tokenLocal).(string)
	NewClient(conn, token, s.hub, s.validator, s.cfg, s.logger).Run(s.ctx)
}

func (s *Server) Listen(addr string) error {
	s.logger.Info("Gateway listening", util.String("addr", addr))
	return s.app.Listen(addr)
}

// Serve accepts connections from ln, e.g. a TLS listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Gateway listening", util.String("addr", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Shutdown disconnects clients and stops accepting new ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll("server_shutdown")
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

func tokenFrom(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if token := c.Query(tokenQuery); token != "" {
		return token
	}
	return c.Cookies(tokenCookie)
}

func unauthorized(c *fiber.Ctx, code string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   fiber.Map{"code": code, "message": "authentication required"},
	})
}
