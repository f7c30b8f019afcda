package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jsbattig/share-things-sub004/internal/config"
	"github.com/jsbattig/share-things-sub004/internal/logger"
	"github.com/jsbattig/share-things-sub004/internal/session"
	"github.com/jsbattig/share-things-sub004/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Payloads are end-to-end encrypted and admission is fingerprint
		// gated; origins stay open for the browser clients.
		return true
	},
}

// Server wires the socket router, download gateway, and health endpoint
// behind one gin engine.
type Server struct {
	cfg      *config.Config
	store    *storage.ChunkStore
	registry *session.Registry
	hub      *Hub
	router   *SocketRouter
	engine   *gin.Engine
	logger   *logger.Logger

	startedAt time.Time
}

// NewServer assembles the HTTP and socket surface.
func NewServer(cfg *config.Config, store *storage.ChunkStore, registry *session.Registry) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	l := logger.NewLogger("api")
	hub := NewHub(l)
	router := NewSocketRouter(registry, store, hub, cfg, l)

	s := &Server{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		hub:       hub,
		router:    router,
		logger:    l,
		startedAt: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	engine.GET("/ws", s.handleWebSocket)
	engine.GET("/api/download/:contentID", s.handleDownload)
	engine.GET("/health", s.handleHealth)

	s.engine = engine
	return s
}

// Hub exposes the hub for the expiration sweeper's notifications.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the server on the configured port.
func (s *Server) Start() error {
	s.logger.Printf("Listening on :%s", s.cfg.Port)
	return s.engine.Run(":" + s.cfg.Port)
}

// handleWebSocket upgrades a connection and starts its pumps.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("Upgrade error: %v", err)
		return
	}

	client := newClient(s.hub, s.router, conn, c.Request.RemoteAddr)
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}
