package identity

// LoginRequest is the body of POST /identity/login
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// RefreshRequest is the body of POST /identity/refresh and /identity/logout
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type tokenResponse struct {
	Code             int          `json:"code"`
	Message          string       `json:"message,omitempty"`
	Token            string       `json:"token"`
	RefreshToken     string       `json:"refreshToken"`
	ExpiresInSeconds int64        `json:"expiresInSeconds"`
	User             *userPayload `json:"user,omitempty"`
}

type codeResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
