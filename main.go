package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskdash/internal/api"
	"taskdash/internal/auth"
	"taskdash/internal/config"
	"taskdash/internal/realtime"
	"taskdash/internal/redis"
	"taskdash/internal/storage"
	"taskdash/internal/task"
	"taskdash/internal/user"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("TASKDASH_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("TASKDASH_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, user_tokens, tasks
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	gateway := realtime.NewGateway(cfg.BasicConfig.SignalQueueSize, log.Default())
	defer gateway.Close()
	if rdb != nil {
		if err := gateway.StartRelay(rdb, cfg.BasicConfig.InstanceID); err != nil {
			log.Fatalf("start event relay: %v", err)
		}
	}

	userService := user.NewService(db)
	taskService := task.NewService(db, gateway)
	authService := auth.NewService(db, rdb, 24*time.Hour)
	handlers := api.NewHandler(userService, taskService, authService, gateway)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Printf("server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	gateway.Close()
	_ = server.Close()
}
