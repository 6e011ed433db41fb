package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// health reports per-dependency status. Any failed check turns the
// whole probe into a 503 so load balancers stop routing here.
func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := h.Store.Ping(ctx); err != nil {
		checks[`database`] = err.Error()
		healthy = false
	} else {
		checks[`database`] = `ok`
	}

	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			checks[`redis`] = err.Error()
			healthy = false
		} else {
			checks[`redis`] = `ok`
		}
	} else {
		checks[`redis`] = `disabled`
	}

	if h.Bus.Healthy() {
		checks[`bus`] = `ok`
	} else {
		checks[`bus`] = `stalled`
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		`healthy`: healthy,
		`checks`:  checks,
		`devices`: h.Registry.Count(),
		`time`:    time.Now().UTC(),
	})
}
