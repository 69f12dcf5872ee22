package api

import (
	"log/slog"
	"net/http"
	"time"

	"nacospoll/internal/api/middleware"
	"nacospoll/internal/ballot"
	"nacospoll/internal/candidate"
	"nacospoll/internal/config"
	"nacospoll/internal/election"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Server 是选举管理后台的 HTTP 服务。
//
// 机器人面向成员，这里面向管理员: 登录换 JWT，之后可以看统计、
// 拉报表、调投票窗口、管用户。
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *gorm.DB
	router     *gin.Engine
	ballots    *ballot.Service
	candidates *candidate.Service
	windows    *election.Windows
}

// NewServer 组装路由。数据库等依赖由调用方建好传入。
func NewServer(cfg *config.Config, logger *slog.Logger, db *gorm.DB,
	ballots *ballot.Service, candidates *candidate.Service, windows *election.Windows) *Server {

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		router:     r,
		ballots:    ballots,
		candidates: candidates,
		windows:    windows,
	}
	s.registerRoutes()
	return s
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("admin api listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// RegisterWebhook 把入站 webhook 处理器挂到同一个 HTTP 服务上。
func (s *Server) RegisterWebhook(path string, handler gin.HandlerFunc) {
	s.router.POST(path, handler)
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/login", s.handleLogin)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.GET("/stats", s.handleStats)
	authed.GET("/report", s.handleReport)
	authed.GET("/results", s.handleResults)
	authed.GET("/audit", s.handleAudit)
	authed.GET("/audit/:id", s.handleAuditVote)
	authed.GET("/users", s.handleListUsers)
	authed.DELETE("/users/:id", s.handleDeleteUser)
	authed.GET("/candidates/pending", s.handlePendingCandidates)
	authed.POST("/window", s.handleSetWindow)
	authed.DELETE("/window", s.handleClearWindow)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// handleLogin 用管理口令换一枚 24 小时有效的 JWT。
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.cfg.Security.AdminPasswordHash == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin login disabled"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.Security.AdminPasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Security.JWTSecret))
	if err != nil {
		s.logger.Error("sign token failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}
