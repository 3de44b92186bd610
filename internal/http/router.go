// Package httpapi wires the HTTP transport (Gin) to the messaging core:
// the REST handlers, the websocket endpoint serving gateway sessions, and
// the cross-cutting middleware (tracing, correlation IDs, identity, access
// logging, panic recovery, metrics, idempotency, rate limiting, CORS and
// security headers).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-chat-core/internal/config"
	"github.com/tbourn/go-chat-core/internal/gateway"
	"github.com/tbourn/go-chat-core/internal/http/handlers"
	"github.com/tbourn/go-chat-core/internal/http/middleware"
	"github.com/tbourn/go-chat-core/internal/repo"
	"github.com/tbourn/go-chat-core/internal/services"
)

const wsPath = "/ws"

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
	middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Identity: resolve the caller (401 on a bad token)
//  4. Logger: access log with credential redaction
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per user/IP and class, bypass on replay)
//  10. CORS and security headers
//
// Gzip applies to the REST API only; the websocket endpoint is excluded.
func RegisterRoutes(r *gin.Engine, router *services.ConversationRouter, gw *gateway.Gateway, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity(middleware.IdentityOptions{Secret: []byte(cfg.Security.JWTSecret)}))
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	db := router.Store.DB
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: cfg.IdempotencyKeyMaxLen},
		func(ctx context.Context, senderID, conversationID, key string) (bool, error) {
			_, err := repo.FindByIdempotencyToken(ctx, db, conversationID, senderID, key)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		},
	))

	rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
		Read: middleware.Limit{RPS: cfg.RateRPS, Burst: cfg.RateBurst},
		Send: middleware.Limit{RPS: cfg.RateSendRPS, Burst: cfg.RateSendBurst},
		Key:  middleware.KeyByUserOrIP(),
	})
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even without an Origin header (simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": gw.TotalSessions()})
	})

	h := handlers.New(router.Store, router, router.Tracker, router.Presence,
		services.NewUserDirectory(db), services.NewContactService(router.Store, gw))

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.GET(wsPath, WebSocketHandler(gw, WSOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		PingInterval:   cfg.Gateway.PingInterval,
		MaxFrameBytes:  cfg.Gateway.MaxFrameBytes,
		RequireAuth:    cfg.Security.JWTSecret != "",
	}))

	rest := api.Group("", gzip.Gzip(gzip.DefaultCompression))
	{
		rest.POST("/conversations", h.CreateConversation)
		rest.GET("/conversations", h.ListConversations)
		rest.GET("/conversations/:id", h.GetConversation)
		rest.POST("/conversations/:id/participants", h.AddParticipant)
		rest.GET("/conversations/:id/messages", h.ListMessages)
		rest.POST("/conversations/:id/messages", h.PostMessage)
		rest.GET("/conversations/:id/media", h.ListMedia)
		rest.GET("/contacts", h.ListContacts)

		rest.GET("/messages/:id/delivery", h.GetDelivery)

		rest.GET("/users", h.SearchUsers)
		rest.PUT("/users/:id/profile", h.UpdateProfile)
		rest.GET("/users/:id/presence", h.GetPresence)
		rest.DELETE("/users/:id", h.DeleteUser)

		rest.POST("/contact-requests", h.CreateContactRequest)
		rest.GET("/contact-requests", h.ListContactRequests)
		rest.POST("/contact-requests/:id/accept", h.AcceptContactRequest)
		rest.POST("/contact-requests/:id/reject", h.RejectContactRequest)
	}
}

// limitBody caps the request body size using http.MaxBytesReader.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
