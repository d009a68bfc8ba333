package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"collabEngine/backend/config"
	"collabEngine/backend/internal/authservice"
	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/httpapi/handlers"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

func main() {
	cfg, err := config.Load("collabConfig")
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d redis=%v kafka=%v mysql=%t", cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Mysql.DSN != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === presence / 跟随关系 / 跨节点广播 ===
	// 没有配置 redis 时退化成单节点内存实现
	var (
		presence cache.PresenceCache
		follows  cache.FollowCache
		broker   cache.Broker
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		follows = cache.NewRedisFollow(rdb)
		broker = cache.NewRedisBroker(rdb)
	} else {
		log.Printf("redis not configured, using in-memory presence (single node)")
		mem := cache.NewMemory()
		presence, follows = mem, mem
	}

	// === 快照持久化 ===
	var (
		repo    collab.SnapshotRepo
		history handlers.HistorySource
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		snapshots := store.NewSnapshotStore(db)
		if err := snapshots.AutoMigrate(); err != nil {
			log.Fatalf("auto migrate failed: %v", err)
		}
		repo, history = snapshots, snapshots
	} else {
		log.Printf("mysql not configured, documents live in memory only")
	}

	// === 初始化 Kafka Producer ===
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(8),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		defer dispatcher.Close()
		events = dispatcher
	}

	docs := collab.NewDocumentService(repo, events, collab.NewSemaphoreControl(cfg.Collab.MaxConcurrent))
	hub := ws.NewHub(cfg.Running.NodeID, broker)
	manager := ws.NewManager(hub, docs, presence, follows, ws.Options{
		PresenceTTL:    cfg.Collab.PresenceTTL,
		AllowedOrigins: cfg.Collab.AllowedOrigins,
	})

	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Printf("hub broker loop stopped: %v", err)
		}
	}()
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		docs.Run(ctx, cfg.Collab.SnapshotInterval)
	}()

	signer := authservice.NewSigner(cfg.Auth.Secret)
	documentHandler := handlers.NewDocumentHandler(docs, history)
	presenceHandler := handlers.NewPresenceHandler(presence, follows)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	group := r.Group("/collab")
	group.GET("/healthz", handlers.Healthz)
	// 挂鉴权中间件（从 Authorization 或 ?token= 提取 token，写入 userId/username）
	authed := group.Group("", middleware.AuthMiddleware(signer))
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/documents/:docId/snapshot", documentHandler.GetSnapshot)
	authed.GET("/documents/:docId/history", documentHandler.GetHistory)
	authed.GET("/presence", presenceHandler.ListOnline)
	authed.GET("/follow/followers", presenceHandler.ListFollowers)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		log.Printf("collab server listening on %s (node=%s)", srv.Addr, hub.Node())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	// 等最后一次快照落盘
	<-flushed
}
