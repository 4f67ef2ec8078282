package domain

// Session is the identity behind a validated session token.
type Session struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

func (s *Session) Valid() bool {
	return s != nil && s.UserID != ""
}
