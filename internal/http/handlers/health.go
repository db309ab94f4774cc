package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			if pingErr := sqlDB.PingContext(c.Request.Context()); pingErr != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": pingErr.Error()})
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
