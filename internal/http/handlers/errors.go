// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and give clients a stable, machine-readable
// taxonomy next to the human-readable message. Generic codes mirror HTTP
// status semantics; domain codes match the error kinds sent on the
// websocket so clients can share one error table.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_participant",
//	  "message": "not a participant"
//	}
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-core/internal/events"
	"github.com/tbourn/go-chat-core/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific, shared with websocket error kinds:
	ErrCodeConversationNotFound = events.KindConversationNotFound
	ErrCodeWriteConflict        = events.KindWriteConflict
	ErrCodeDeliveryFailed       = events.KindDeliveryFailed
	ErrCodeNotParticipant       = events.KindNotParticipant
	ErrCodeInvalidPayload       = events.KindInvalidPayload

	ErrCodeMessageNotFound     = "message_not_found"
	ErrCodeInvalidConversation = "invalid_conversation"
	ErrCodeImmutableMembership = "immutable_membership"
	ErrCodeCorruptLog          = "corrupt_log"

	ErrCodeUserNotFound          = "user_not_found"
	ErrCodeInvalidProfile        = "invalid_profile"
	ErrCodeUsernameTaken         = "username_taken"
	ErrCodeInvalidContactRequest = "invalid_contact_request"
	ErrCodeAlreadyContacts       = "already_contacts"
	ErrCodeRequestNotFound       = "contact_request_not_found"
	ErrCodeRequestNotPending     = "contact_request_resolved"
)

// failService maps a service error onto the error envelope.
func failService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeConversationNotFound, "conversation not found")
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeMessageNotFound, "message not found")
	case errors.Is(err, services.ErrNotParticipant):
		fail(c, http.StatusForbidden, ErrCodeNotParticipant, "not a participant")
	case errors.Is(err, services.ErrInvalidPayload):
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, err.Error())
	case errors.Is(err, services.ErrInvalidConversation):
		fail(c, http.StatusBadRequest, ErrCodeInvalidConversation, err.Error())
	case errors.Is(err, services.ErrImmutableMembership):
		fail(c, http.StatusConflict, ErrCodeImmutableMembership, "direct conversation membership is immutable")
	case errors.Is(err, services.ErrWriteConflict):
		failRetry(c, http.StatusConflict, ErrCodeWriteConflict, "write conflict, retry with the same Idempotency-Key", time.Second)
	case errors.Is(err, services.ErrDeliveryFailed):
		fail(c, http.StatusServiceUnavailable, ErrCodeDeliveryFailed, "message stored but delivery failed, resend with the same Idempotency-Key")
	case errors.Is(err, services.ErrUserNotFound):
		fail(c, http.StatusNotFound, ErrCodeUserNotFound, "user not found")
	case errors.Is(err, services.ErrInvalidProfile):
		fail(c, http.StatusBadRequest, ErrCodeInvalidProfile, err.Error())
	case errors.Is(err, services.ErrUsernameTaken):
		fail(c, http.StatusConflict, ErrCodeUsernameTaken, "username taken")
	case errors.Is(err, services.ErrInvalidContactRequest):
		fail(c, http.StatusBadRequest, ErrCodeInvalidContactRequest, "contact requests need another user")
	case errors.Is(err, services.ErrAlreadyContacts):
		fail(c, http.StatusConflict, ErrCodeAlreadyContacts, "a direct conversation already exists")
	case errors.Is(err, services.ErrRequestNotFound):
		fail(c, http.StatusNotFound, ErrCodeRequestNotFound, "contact request not found")
	case errors.Is(err, services.ErrNotRequestRecipient):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "only the addressee can answer a contact request")
	case errors.Is(err, services.ErrRequestNotPending):
		fail(c, http.StatusConflict, ErrCodeRequestNotPending, "contact request already resolved")
	case errors.Is(err, services.ErrCorruptLog):
		fail(c, http.StatusInternalServerError, ErrCodeCorruptLog, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
