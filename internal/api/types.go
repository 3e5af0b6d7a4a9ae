package api

// SigninRequest is the payload for POST /auth/signin.
type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SigninResponse is returned from POST /auth/signin.
type SigninResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
}

// WireMessage is a message as the backend serializes it, both in the
// initial REST page and in newMessage stream events.
type WireMessage struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	SenderName     string   `json:"senderName"`
	SenderAvatar   string   `json:"senderAvatar,omitempty"`
	Text           string   `json:"text"`
	CreatedAt      string   `json:"createdAt"`
	DeliveredTo    []string `json:"deliveredTo,omitempty"`
	ReadBy         []string `json:"readBy,omitempty"`
}

// MessagePage is returned from GET /conversations/{id}/messages.
type MessagePage struct {
	Messages []WireMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

// Participant is one member of a conversation.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
	IsOnline    bool   `json:"isOnline"`
	LastOnline  string `json:"lastOnline,omitempty"`
}

// Conversation is returned from GET /conversations/{id}.
type Conversation struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	AdminID      string        `json:"adminId,omitempty"`
	Participants []Participant `json:"participants"`
}

// Profile is returned from GET /users/{id}.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// APIError represents an error response body from the backend.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
