package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	internalsettings "github.com/autotraficgen/proxypool/internal/settings"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SettingsHandler reads and writes runtime overrides.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(conn *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: conn}
}

type putSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// List returns the current snapshot of overrides.
func (h *SettingsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settings":   internalsettings.DBConfigValues(),
		"updated_at": internalsettings.DBConfigUpdatedAt(),
	})
}

// Put upserts one override and refreshes the snapshot.
func (h *SettingsHandler) Put(c *gin.Context) {
	key := strings.ToUpper(strings.TrimSpace(c.Param("key")))
	var body putSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errValidate := internalsettings.Validate(key, body.Value); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}
	if errUpsert := internalsettings.Upsert(c.Request.Context(), h.db, key, body.Value); errUpsert != nil {
		log.WithError(errUpsert).Errorf("settings: update %s failed", key)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update setting failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

// Delete removes an override so the config file value applies again.
func (h *SettingsHandler) Delete(c *gin.Context) {
	key := strings.ToUpper(strings.TrimSpace(c.Param("key")))
	if errDelete := internalsettings.Delete(c.Request.Context(), h.db, key); errDelete != nil {
		log.WithError(errDelete).Errorf("settings: delete %s failed", key)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete setting failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
