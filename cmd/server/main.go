package main

import (
	"context"
	"net/http"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/internal/catalog"
	"github.com/karaoke-room-system/internal/config"
	"github.com/karaoke-room-system/internal/game"
	"github.com/karaoke-room-system/internal/gateway"
	"github.com/karaoke-room-system/internal/media"
	"github.com/karaoke-room-system/internal/room"
	"github.com/karaoke-room-system/pkg/cache"
	"github.com/karaoke-room-system/pkg/database"
	"github.com/karaoke-room-system/pkg/events"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg := config.Load()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize MySQL database
	db, err := database.NewMySQLDB(
		cfg.MySQLHost,
		cfg.MySQLPort,
		cfg.MySQLUser,
		cfg.MySQLPassword,
		cfg.MySQLDatabase,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Initialize Redis-backed snapshot/buffer store
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	snapshots := cache.NewStore(redisClient)

	// Each process gets its own bus identity so every instance observes
	// every event and skips its own.
	instanceID := uuid.New().String()
	bus := events.NewBus(cfg.KafkaBrokers, instanceID)
	defer bus.Close()

	catalogClient := catalog.NewClient(cfg.CatalogBaseURL)
	issuer := media.NewIssuer(cfg.MediaTokenSecret, cfg.MediaTokenTTL)

	roomService := room.NewService(db, snapshots)

	gw := gateway.NewHandler(roomService, bus, instanceID)
	engine := game.NewEngine(gw, roomService, catalogClient, snapshots, snapshots)
	gw.SetEngine(engine)

	bus.Subscribe(context.Background(), gw.HandleBusEvent)

	roomHandler := room.NewHandler(roomService, catalogClient, issuer)

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	roomHandler.RegisterRoutes(v1)
	v1.GET("/ws", gw.HandleWebSocket)

	log.Info().Str("port", cfg.Port).Str("instance", instanceID).Msg("server starting")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
