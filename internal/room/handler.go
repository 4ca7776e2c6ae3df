package room

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/internal/catalog"
	"github.com/karaoke-room-system/internal/media"
	"github.com/karaoke-room-system/pkg/models"
)

type Handler struct {
	service *Service
	catalog *catalog.Client
	media   *media.Issuer
}

func NewHandler(service *Service, catalogClient *catalog.Client, issuer *media.Issuer) *Handler {
	return &Handler{service: service, catalog: catalogClient, media: issuer}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rooms := r.Group("/rooms")
	{
		rooms.POST("/", h.createRoom)
		rooms.GET("/", h.listRooms)
		rooms.GET("/code/:code", h.getRoomByCode)
		rooms.GET("/code/:code/participants", h.getRoomWithUsers)
		rooms.DELETE("/code/:code", h.deleteRoom)
		rooms.POST("/code/:code/media-token", h.mediaToken)
	}
	r.GET("/songs/search", h.searchSongs)
}

type CreateRoomRequest struct {
	Name            string `json:"name" binding:"required"`
	Mode            string `json:"mode"`
	HostID          string `json:"host_id" binding:"required"`
	MaxParticipants int    `json:"max_participants"`
	Public          *bool  `json:"public"`
	Password        string `json:"password"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hostID, err := uuid.Parse(req.HostID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid host_id"})
		return
	}

	public := true
	if req.Public != nil {
		public = *req.Public
	}

	room, err := h.service.CreateRoom(c.Request.Context(), CreateRoomParams{
		Name:            req.Name,
		Mode:            models.GameMode(req.Mode),
		HostID:          hostID,
		MaxParticipants: req.MaxParticipants,
		Public:          public,
		Password:        req.Password,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, room)
}

func (h *Handler) listRooms(c *gin.Context) {
	rooms, err := h.service.ListOpenRooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *Handler) getRoomByCode(c *gin.Context) {
	room, err := h.service.GetRoomByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) getRoomWithUsers(c *gin.Context) {
	room, participants, err := h.service.GetRoomWithUsers(c.Request.Context(), c.Param("code"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "participants": participants})
}

type DeleteRoomRequest struct {
	ParticipantID uint `json:"participant_id" binding:"required"`
}

func (h *Handler) deleteRoom(c *gin.Context) {
	var req DeleteRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.DeleteRoom(c.Request.Context(), c.Param("code"), req.ParticipantID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrNotHost):
			status = http.StatusForbidden
		case errors.Is(err, ErrRoomNotFound):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type MediaTokenRequest struct {
	ParticipantID uint   `json:"participant_id" binding:"required"`
	Name          string `json:"name" binding:"required"`
}

func (h *Handler) mediaToken(c *gin.Context) {
	code := c.Param("code")

	var req MediaTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.service.GetRoomByCode(c.Request.Context(), code); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	token, err := h.media.IssueToken(code, req.Name, req.ParticipantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"room":  media.RoomName(code),
	})
}

func (h *Handler) searchSongs(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	tracks, err := h.catalog.Search(c.Request.Context(), query)
	if err != nil {
		// Catalog outages degrade to an empty result, never a failed room flow.
		log.Warn().Err(err).Str("query", query).Msg("catalog search failed")
		c.JSON(http.StatusOK, []catalog.Track{})
		return
	}
	c.JSON(http.StatusOK, tracks)
}
