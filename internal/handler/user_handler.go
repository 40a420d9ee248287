package handler

import (
	"net/http"

	"notes-sharing-server/internal/domain"
	"notes-sharing-server/internal/middleware"
	"notes-sharing-server/pkg/response"
)

type UserHandler struct{}

func NewUserHandler() *UserHandler {
	return &UserHandler{}
}

// Me echoes the verified identity, including whether it is an admin.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		response.Unauthorized(w, "Unauthorized")
		return
	}

	response.Success(w, domain.WhoAmIResponse{
		SubjectID: identity.SubjectID,
		Email:     identity.Email,
		IsAdmin:   identity.IsAdmin,
	})
}
