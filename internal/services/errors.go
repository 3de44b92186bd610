// Package services implements the messaging core: the Message Store, the
// Delivery Tracker, the Presence Registry and the Conversation Router. This
// file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into wire error kinds or HTTP status codes is performed by the
// gateway and handler layers.
package services

import "errors"

var (
	// ErrConversationNotFound indicates that the conversation does not exist.
	// Fatal to the operation; not retried.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrWriteConflict is returned when the per-conversation write slot could
	// not be acquired in time or the sequence assignment lost a race. Retriable.
	ErrWriteConflict = errors.New("write conflict")

	// ErrDeliveryFailed is returned when fan-out could not resolve membership
	// or record pending deliveries. The message itself stays committed; a
	// resend with the same idempotency token re-runs fan-out.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrProtocolViolation is returned for malformed resume cursors and acks
	// that reference no known delivery record. The connection is terminated.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNotParticipant is returned when the caller is not a member of the conversation.
	ErrNotParticipant = errors.New("not a participant")

	// ErrInvalidPayload is returned for unknown payload kinds, empty or too
	// long bodies, and edit/delete entries without a valid reference.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrCorruptLog is returned when a range read observes a sequence gap.
	ErrCorruptLog = errors.New("gap in message log")

	// ErrInvalidConversation is returned for malformed creation requests
	// (direct conversations need two distinct users, groups at least one).
	ErrInvalidConversation = errors.New("invalid conversation")

	// ErrImmutableMembership is returned when adding members to a direct conversation.
	ErrImmutableMembership = errors.New("direct conversation membership is immutable")

	// ErrMessageNotFound indicates that the referenced message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrUserNotFound is returned when the addressed account does not exist
	// or was deleted.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidProfile is returned for malformed usernames or overlong
	// display names.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrUsernameTaken is returned when another account holds the handle.
	ErrUsernameTaken = errors.New("username taken")

	// ErrInvalidContactRequest is returned for blank or self-addressed requests.
	ErrInvalidContactRequest = errors.New("invalid contact request")

	// ErrAlreadyContacts is returned when a direct conversation between the
	// pair already exists.
	ErrAlreadyContacts = errors.New("already contacts")

	// ErrRequestNotFound indicates that the contact request does not exist.
	ErrRequestNotFound = errors.New("contact request not found")

	// ErrNotRequestRecipient is returned when someone other than the
	// addressee tries to accept or reject a request.
	ErrNotRequestRecipient = errors.New("not the request recipient")

	// ErrRequestNotPending is returned when the request was already resolved.
	ErrRequestNotPending = errors.New("contact request already resolved")
)
