// Package api exposes the REST control surface: per-key modes, stored grids,
// manual grid triggers and the prometheus endpoint.
package api

import (
	"context"
	"dca-grid-bot-go/internal/dispatcher"
	"dca-grid-bot-go/internal/gridstore"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/persistence"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ModeController 读取和切换 (symbol, position_side) 的模式
type ModeController interface {
	Mode(symbol string, side models.PositionSide) (models.Mode, bool)
	Modes() []persistence.ModeRecord
	SetMode(symbol string, side models.PositionSide, mode models.Mode) error
	Dispatch(ev dispatcher.Event)
}

// Server HTTP 控制接口
type Server struct {
	router     *gin.Engine
	modes      ModeController
	store      gridstore.Store
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer 创建 API 服务并注册路由
func NewServer(modes ModeController, store gridstore.Store, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		modes:    modes,
		store:    store,
		gatherer: gatherer,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/modes", s.handleGetModes)
		api.GET("/modes/:symbol/:side", s.handleGetMode)
		api.PUT("/modes/:symbol/:side", s.handleSetMode)
		api.GET("/grids/:symbol/:side", s.handleGetGrid)
		api.POST("/grids/:symbol/:side", s.handlePlaceGrid)
		api.DELETE("/grids/:symbol/:side", s.handleRemoveGrid)
	}
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetModes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"modes": s.modes.Modes()})
}

// keyParams 解析路径中的 symbol 和 side，失败时已写入响应
func (s *Server) keyParams(c *gin.Context) (string, models.PositionSide, bool) {
	symbol := strings.ToUpper(c.Param("symbol"))
	side, err := models.ParsePositionSide(strings.ToUpper(c.Param("side")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", "", false
	}
	if _, ok := s.modes.Mode(symbol, side); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol/side " + symbol + "/" + string(side)})
		return "", "", false
	}
	return symbol, side, true
}

func (s *Server) handleGetMode(c *gin.Context) {
	symbol, side, ok := s.keyParams(c)
	if !ok {
		return
	}
	mode, _ := s.modes.Mode(symbol, side)
	c.JSON(http.StatusOK, persistence.ModeRecord{Symbol: symbol, PositionSide: side, Mode: mode})
}

type setModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleSetMode(c *gin.Context) {
	symbol, side, ok := s.keyParams(c)
	if !ok {
		return
	}
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := models.ParseMode(strings.ToUpper(req.Mode))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.modes.SetMode(symbol, side, mode); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatcher.ErrUnknownKey) {
			status = http.StatusNotFound
		}
		s.logger.Error("切换模式失败", zap.String("symbol", symbol), zap.String("position_side", string(side)), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, persistence.ModeRecord{Symbol: symbol, PositionSide: side, Mode: mode})
}

func (s *Server) handleGetGrid(c *gin.Context) {
	symbol, side, ok := s.keyParams(c)
	if !ok {
		return
	}
	snap, err := gridstore.Load(c.Request.Context(), s.store, symbol, side)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"grid":        snap,
		"initialized": snap.IsInitialized(),
	})
}

func (s *Server) handlePlaceGrid(c *gin.Context) {
	s.manualTrigger(c, models.TriggerManualPlaceGrid)
}

func (s *Server) handleRemoveGrid(c *gin.Context) {
	s.manualTrigger(c, models.TriggerManualRemoveGrid)
}

func (s *Server) manualTrigger(c *gin.Context, trigger models.Trigger) {
	symbol, side, ok := s.keyParams(c)
	if !ok {
		return
	}
	s.modes.Dispatch(dispatcher.Event{Symbol: symbol, PositionSide: side, Trigger: trigger, Time: time.Now()})
	c.JSON(http.StatusAccepted, gin.H{"trigger": trigger})
}

// Start 在后台监听 addr
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("API 服务已启动", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API 服务异常退出", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
