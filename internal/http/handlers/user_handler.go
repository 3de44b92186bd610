package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/services"
)

// UpdateProfileRequest sets the caller's handle and display name. An empty
// username clears the handle.
type UpdateProfileRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// UserResponse wraps one directory row.
type UserResponse struct {
	User *domain.User `json:"user"`
}

// SearchUsersResponse lists ranked directory hits.
type SearchUsersResponse struct {
	Users []services.UserMatch `json:"users"`
}

// SearchUsers handles GET /users?q=&limit=. The caller is never listed.
func (h *Handlers) SearchUsers(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	users, err := h.directory.Search(c.Request.Context(), uid, c.Query("q"), limit)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, SearchUsersResponse{Users: users})
}

// UpdateProfile handles PUT /users/{id}/profile. Callers may only edit
// their own profile.
func (h *Handlers) UpdateProfile(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	if c.Param("id") != uid {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "profiles can only be edited by their owner")
		return
	}
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	u, err := h.directory.UpdateProfile(c.Request.Context(), uid, services.Profile{Username: req.Username, DisplayName: req.DisplayName})
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, UserResponse{User: u})
}

// GetPresence handles GET /users/{id}/presence.
func (h *Handlers) GetPresence(c *gin.Context) {
	if _, authed := caller(c); !authed {
		return
	}
	ok(c, http.StatusOK, h.presence.Status(c.Request.Context(), c.Param("id")))
}

// DeleteUser handles DELETE /users/{id}. Callers may only delete their own
// account; the user becomes a permanently unreachable recipient.
func (h *Handlers) DeleteUser(c *gin.Context) {
	uid, authed := caller(c)
	if !authed {
		return
	}
	if c.Param("id") != uid {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "accounts can only be deleted by their owner")
		return
	}
	n, err := h.msgr.DeleteAccount(c.Request.Context(), uid)
	if err != nil {
		failService(c, err)
		return
	}
	log.Info().Str("user_id", uid).Int64("records_unreachable", n).Msg("account deleted")
	noContent(c)
}
