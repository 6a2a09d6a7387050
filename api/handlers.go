package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opd-ai/adatp/room"
	"github.com/opd-ai/adatp/wire"
)

func (s *Server) handleBanner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":  "adatpd",
		"protocol": "adatp",
		"versions": []uint8{wire.VersionXDH, wire.VersionNoise},
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        s.opts.Version,
		"started_at":     s.started.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"connections":    s.core.Connections(),
		"rooms":          s.rooms.Count(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleRooms(c *gin.Context) {
	snapshots := s.rooms.Snapshots()
	c.JSON(http.StatusOK, gin.H{
		"count": len(snapshots),
		"rooms": snapshots,
	})
}

func (s *Server) handleRoom(c *gin.Context) {
	snapshot, err := s.rooms.Snapshot(c.Param("name"))
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
