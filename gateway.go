package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"Meower/global"
	"Meower/global/config"
	"Meower/logger"
	mid "Meower/middleware"
	midsec "Meower/middleware/security"
	"Meower/service/chat"
	"Meower/service/chat/handlers"
	"Meower/service/metrics"
	"Meower/service/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()
	_, _ = maxprocs.Set(maxprocs.Logger(logger.Infof))

	if err := run(cfg); err != nil {
		logger.Error("gateway exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 配置生成的ids
	global.ConfigIds(cfg)

	rdb, err := global.ConfigRedis(ctx, cfg)
	if err != nil {
		return err
	}
	b, err := global.ConfigBusClient(cfg, rdb)
	if err != nil {
		return err
	}
	api, err := global.ConfigAPI(cfg)
	if err != nil {
		return err
	}

	var mirror chat.PresenceMirror
	pres := global.ConfigPresence(cfg, rdb)
	if pres != nil {
		mirror = pres
	}

	s := chat.NewServer(global.ChatOptions(cfg), api, b, mirror)
	handlers.Register(s)
	if err := b.Subscribe(s.HandleBus); err != nil {
		return err
	}
	s.Start()

	hs := health.NewServer()
	r := newRouter(cfg, s, pres)
	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: r, ReadHeaderTimeout: 10 * time.Second}

	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(busCtx)
	})
	if pres != nil {
		g.Go(func() error {
			s.Presence().RunMirror(busCtx, global.PresenceRefresh(pres))
			return nil
		})
	}
	var gs *grpc.Server
	if cfg.GrpcHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GrpcHealthAddr)
		if err != nil {
			return err
		}
		gs = grpc.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus("meower.Gateway", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			logger.Info("[gRPC] health listening", zap.String("addr", cfg.GrpcHealthAddr))
			return gs.Serve(lis)
		})
	}
	g.Go(func() error {
		logger.Info("[HTTP] listening", zap.String("addr", cfg.ListenAddr()), zap.String("node", cfg.NodeName))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 等待信号或任一组件失败
	<-gctx.Done()
	logger.Info("shutting down")
	hs.Shutdown()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		logger.Warn("sessions did not drain", zap.Error(err))
	}
	cancelBus()
	if err := b.Close(); err != nil {
		logger.Warn("bus close", zap.Error(err))
	}
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if gs != nil {
		gs.Stop()
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func newRouter(cfg *config.AppConfig, s *chat.Server, pres *storage.RedisPresence) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(mid.Recovery(), mid.AccessLog(), mid.Manager().Use())

	guard := midsec.DefaultOptions()
	guard.Token = cfg.InternalToken
	ops := mid.RouteOpt{IsAuth: true, Guard: guard}

	r.GET("/", mid.Origin(cfg.AllowedOrigins), s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	mid.GET(r, "/metrics", gin.WrapH(metrics.Handler()), ops)
	mid.GET(r, "/status", func(c *gin.Context) { c.JSON(http.StatusOK, s.Stats()) }, ops)
	var lookup nodeLookup
	if pres != nil {
		lookup = pres
	}
	mid.GET(r, "/online/:username", onlineHandler(s, lookup), ops)
	return r
}

type nodeLookup interface {
	Lookup(ctx context.Context, username string) ([]string, error)
}

// onlineHandler 本节点 + 集群（Redis 镜像）在线查询；用户名不区分大小写
func onlineHandler(s *chat.Server, pres nodeLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.ToLower(c.Param("username"))
		out := gin.H{"username": name, "local": s.LocalOnline(name)}
		if pres != nil {
			nodes, err := pres.Lookup(c.Request.Context(), name)
			if err != nil {
				logger.Warn("presence lookup", zap.String("username", name), zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, out)
				return
			}
			out["nodes"] = nodes
		}
		c.JSON(http.StatusOK, out)
	}
}
