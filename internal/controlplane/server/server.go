package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/councilbot/gocouncil/internal/approval"
	"github.com/councilbot/gocouncil/internal/events"
	"github.com/councilbot/gocouncil/internal/execution"
	"github.com/councilbot/gocouncil/internal/services"
	"github.com/councilbot/gocouncil/internal/stream"
	appconfig "github.com/councilbot/gocouncil/pkg/config"
)

// Config 控制面配置
type Config struct {
	DBPath string // 执行记录 sqlite 库路径
}

// Deps 控制面依赖的引擎组件
type Deps struct {
	Store      *approval.Store
	Dispatcher *execution.Dispatcher
	Advisor    *services.Advisor
	Hub        *stream.Hub
	Bus        *events.Bus
	AppConfig  *appconfig.Config
}

// Server 审批与执行的 HTTP 控制面
type Server struct {
	cfg  Config
	db   *sql.DB
	deps Deps
}

// New 创建控制面服务
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if deps.Store == nil || deps.Dispatcher == nil {
		return nil, errors.New("store and dispatcher are required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Server{cfg: cfg, db: db, deps: deps}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭底层资源
func (s *Server) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Router 组装 HTTP 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	api := r.Group("/api")

	recs := api.Group("/recommendations")
	recs.GET("/", s.wrap(s.handleRecommendationsList))
	recs.POST("/adjust", s.wrap(s.handleRecommendationAdjust))
	recs.POST("/ingest", s.wrap(s.handleRecommendationsIngest))

	api.POST("/execute", s.wrap(s.handleExecute))
	api.GET("/executions", s.wrap(s.handleExecutionsList))
	api.GET("/ai-analysis", s.wrap(s.handleAIAnalysis))

	if s.deps.Hub != nil {
		api.GET("/stream", s.wrap(s.deps.Hub.ServeWS))
	}

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "gocouncil_path_params"

// wrap adapts existing net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}
