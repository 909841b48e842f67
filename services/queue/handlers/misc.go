// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ExamQueue/services/queue/hub"
)

// HealthCheck reports the hub's liveness, client count and current phase.
// It returns 503 once the hub has stopped.
func HealthCheck(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := h.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": h.ClientCount(),
			"phase":   v.Phase,
		})
	}
}

// State returns the full snapshot. It carries no secrets, so it is public
// like the display.
func State(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := h.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// IPs lists the host's LAN addresses so operators can point other devices
// at the server.
func IPs(port int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ips": LocalIPv4s(), "port": port})
	}
}

// LocalIPv4s returns the non-loopback IPv4 addresses of the host, sorted.
// It returns an empty slice when interfaces cannot be listed.
func LocalIPv4s() []string {
	ips := []string{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			ips = append(ips, ip4.String())
		}
	}
	sort.Strings(ips)
	return ips
}
