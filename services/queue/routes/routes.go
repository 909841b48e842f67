// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/ExamQueue/services/queue/handlers"
	"github.com/AleutianAI/ExamQueue/services/queue/hub"
	"github.com/AleutianAI/ExamQueue/services/queue/middleware"
)

// Options carries everything the route table needs.
type Options struct {
	Hub *hub.Hub

	// Gatherer backs /metrics. Nil omits the endpoint.
	Gatherer prometheus.Gatherer

	// StaticDir is served under /ui. Empty omits the UI and its redirects.
	StaticDir string

	// Port is reported by /api/ips.
	Port int

	WebSocket handlers.WebSocketConfig
	Commands  handlers.CommandsConfig
}

func SetupRoutes(router *gin.Engine, opts Options) {
	router.GET("/health", handlers.HealthCheck(opts.Hub))
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	if opts.StaticDir != "" {
		router.StaticFS("/ui", http.Dir(opts.StaticDir))

		// Friendly entry points for the three screens
		redirect := func(target string) gin.HandlerFunc {
			return func(c *gin.Context) {
				c.Redirect(http.StatusMovedPermanently, target)
			}
		}
		router.GET("/", redirect("/ui/display.html"))
		router.GET("/display", redirect("/ui/display.html"))
		router.GET("/exam", redirect("/ui/examiner.html"))
		router.GET("/admin", redirect("/ui/admin.html"))
	}

	router.GET("/api/ips", handlers.IPs(opts.Port))

	// API version 1 group
	v1 := router.Group("/v1", middleware.Credential())
	{
		v1.GET("/ws", handlers.HandleQueueWebSocket(opts.Hub, opts.WebSocket))
		v1.GET("/state", handlers.State(opts.Hub))
		v1.POST("/commands", handlers.HandleCommand(opts.Hub, opts.Commands))
	}
}
