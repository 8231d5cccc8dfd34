package handlers

import (
	"net/http"
	"time"

	"househub/internal/messaging"
	"househub/internal/models"
	"househub/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SendMessageRequest is the body of POST /messages. Message is accepted as
// an alias of Content for older clients.
type SendMessageRequest struct {
	ReceiverID string  `json:"receiverId"`
	PropertyID *string `json:"propertyId,omitempty"`
	Content    string  `json:"content"`
	Message    string  `json:"message,omitempty"`
}

// toInput validates the request shape and converts it for the service.
func (req *SendMessageRequest) toInput(senderID uuid.UUID) (messaging.SendInput, error) {
	in := messaging.SendInput{SenderID: senderID, Content: req.Content}
	if in.Content == "" {
		in.Content = req.Message
	}

	var fields []utils.FieldError
	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		fields = append(fields, utils.FieldError{Field: "receiverId", Message: "Valid receiver ID is required"})
	}
	in.ReceiverID = receiverID

	if req.PropertyID != nil && *req.PropertyID != "" {
		propertyID, err := uuid.Parse(*req.PropertyID)
		if err != nil {
			fields = append(fields, utils.FieldError{Field: "propertyId", Message: "Property ID must be a valid id"})
		} else {
			in.PropertyID = &propertyID
		}
	}

	// Parse failures win over the service's checks for the same field.
	if appErr, ok := utils.AsAppError(in.Validate()); ok {
		for _, f := range appErr.Fields {
			if !hasField(fields, f.Field) {
				fields = append(fields, f)
			}
		}
	}
	if len(fields) > 0 {
		return in, utils.NewValidationError(fields...)
	}
	return in, nil
}

func hasField(fields []utils.FieldError, name string) bool {
	for _, f := range fields {
		if f.Field == name {
			return true
		}
	}
	return false
}

type messageResponse struct {
	ID             string     `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	SenderID       uuid.UUID  `json:"senderId"`
	ReceiverID     uuid.UUID  `json:"receiverId"`
	Content        string     `json:"content"`
	IsRead         bool       `json:"isRead"`
	CreatedAt      time.Time  `json:"createdAt"`
	SenderName     string     `json:"senderName,omitempty"`
	SenderImage    *string    `json:"senderImage,omitempty"`
	PropertyID     *uuid.UUID `json:"propertyId,omitempty"`
}

func newMessageResponse(m *models.Message, users map[uuid.UUID]*models.UserSummary) messageResponse {
	resp := messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
	if u, ok := users[m.SenderID]; ok {
		resp.SenderName = u.DisplayName
		resp.SenderImage = u.ProfileImageURL
	}
	return resp
}

// HandleSendMessage handles POST /messages
func (s *Server) HandleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		senderID, ok := s.currentUser(w, r)
		if !ok {
			return
		}

		var req SendMessageRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		in, err := req.toInput(senderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		msg, conv, err := s.Messages.Send(ctx, in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		resp := newMessageResponse(msg, nil)
		resp.PropertyID = conv.PropertyID
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"message": resp,
		})
	}
}

type userResponse struct {
	ID              uuid.UUID `json:"id"`
	DisplayName     string    `json:"displayName"`
	ProfileImageURL *string   `json:"profileImageUrl"`
	Online          bool      `json:"online"`
}

type lastMessageResponse struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  uuid.UUID `json:"senderId"`
}

type conversationResponse struct {
	ID            uuid.UUID            `json:"id"`
	OtherUser     userResponse         `json:"otherUser"`
	PropertyID    *uuid.UUID           `json:"propertyId"`
	LastMessage   *lastMessageResponse `json:"lastMessage"`
	UnreadCount   int                  `json:"unreadCount"`
	LastMessageAt time.Time            `json:"lastMessageAt"`
}

// HandleConversations handles GET /messages/conversations
func (s *Server) HandleConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.currentUser(w, r)
		if !ok {
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		entries, err := s.Messages.ListConversations(ctx, userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		conversations := make([]conversationResponse, 0, len(entries))
		for _, e := range entries {
			c := conversationResponse{
				ID: e.Conversation.ID,
				OtherUser: userResponse{
					ID:              e.OtherUser.ID,
					DisplayName:     e.OtherUser.DisplayName,
					ProfileImageURL: e.OtherUser.ProfileImageURL,
					Online:          e.OtherOnline,
				},
				PropertyID:    e.Conversation.PropertyID,
				UnreadCount:   e.UnreadCount,
				LastMessageAt: e.Conversation.LastActivityAt,
			}
			if e.LastMessage != nil {
				c.LastMessage = &lastMessageResponse{
					Content:   e.LastMessage.Content,
					CreatedAt: e.LastMessage.CreatedAt,
					SenderID:  e.LastMessage.SenderID,
				}
			}
			conversations = append(conversations, c)
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"conversations": conversations,
		})
	}
}

// HandleConversationMessages handles GET /messages/conversation/{otherUserId}.
// Viewing marks the caller's unread messages in the thread as read.
func (s *Server) HandleConversationMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.currentUser(w, r)
		if !ok {
			return
		}

		otherID, err := uuid.Parse(chi.URLParam(r, "otherUserId"))
		if err != nil {
			s.writeError(w, r, utils.NewValidationError(utils.FieldError{Field: "otherUserId", Message: "Valid user ID is required"}))
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		thread, err := s.Messages.ViewConversation(ctx, userID, otherID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		messages := make([]messageResponse, 0, len(thread.Messages))
		for _, m := range thread.Messages {
			messages = append(messages, newMessageResponse(m, thread.Participants))
		}

		resp := map[string]interface{}{
			"success":        true,
			"messages":       messages,
			"conversationId": nil,
			"propertyId":     nil,
		}
		if thread.Conversation != nil {
			resp["conversationId"] = thread.Conversation.ID
			resp["propertyId"] = thread.Conversation.PropertyID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleUnreadCount handles GET /messages/unread. With ?conversationId= the
// count is limited to that conversation.
func (s *Server) HandleUnreadCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.currentUser(w, r)
		if !ok {
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		var (
			count int
			err   error
		)
		if raw := r.URL.Query().Get("conversationId"); raw != "" {
			conversationID, perr := uuid.Parse(raw)
			if perr != nil {
				s.writeError(w, r, utils.NewValidationError(utils.FieldError{Field: "conversationId", Message: "Valid conversation ID is required"}))
				return
			}
			count, err = s.Messages.CountUnreadByConversation(ctx, conversationID, userID)
		} else {
			count, err = s.Messages.CountUnread(ctx, userID)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"count":   count,
		})
	}
}
