package web

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/halbroth/gallipub/activitypub"
	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/mirror"
	"github.com/halbroth/gallipub/util"
)

func Router(conf *util.AppConfig, database *db.DB, cache *mirror.Cache, inbox *activitypub.Inbox) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbound federation: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for inbound activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	// RSS Feed
	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")

		rss, err := GetRSS(conf, database)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	// Serve mirrored posts as ActivityPub objects. The first request for an
	// id is what pulls it into the cache.
	g.GET("/posts/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")

		postId, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid post ID"})
			return
		}

		err, post := GetPostObject(c.Request.Context(), postId, cache, conf)
		if err != nil {
			c.JSON(404, gin.H{"error": "Post not found"})
		} else {
			c.Render(200, render.String{Format: post})
		}
	})

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := GetActor(c.Param("actor"), database, conf)
		if err != nil {
			c.Render(404, render.String{Format: actor})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	handleInbox := func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			log.Printf("Inbox: Failed to read body: %v", err)
			c.Status(400)
			return
		}
		c.Status(inbox.Handle(c.Request.Context(), c.Request, body))
	}

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, handleInbox)
	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, handleInbox)

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: "{}"})
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, collection := GetFollowersCollection(database, conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: collection})
		}
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: "{}"})
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			resource = strings.TrimPrefix(resource, "acct:")
			resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.SslDomain))
			err, resp := GetWebfinger(resource, database, conf)
			if err != nil {
				c.Render(404, render.String{Format: GetWebFingerNotFound()})
			} else {
				c.Render(200, render.String{Format: resp})
			}
		}
	})

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Admin API: force-refresh one post regardless of freshness tier
	g.POST("/api/refresh/:id", ApiKeyMiddleware(conf.Conf.ApiKey), func(c *gin.Context) {
		postId, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid post ID"})
			return
		}

		post, err := cache.ForceRefresh(c.Request.Context(), postId)
		if err != nil {
			if errors.Is(err, mirror.ErrNotFound) {
				c.JSON(404, gin.H{"error": "Post not found"})
				return
			}
			c.JSON(502, gin.H{"error": "Upstream refresh failed"})
			return
		}
		c.JSON(200, gin.H{"id": post.Id, "refreshed_at": post.LastRefreshSucceededAt})
	})

	err := g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
	if err != nil {
		return err
	}
	return nil
}
