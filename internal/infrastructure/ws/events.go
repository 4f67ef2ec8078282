package ws

// Client to server
const (
	AuthVerify           = "auth:verify"
	PresenceGet          = "presence:get"
	RoomJoin             = "room:join"
	RoomLeave            = "room:leave"
	MessageSend          = "message:send"
	MessageTypingStart   = "message:typing:start"
	MessageTypingStop    = "message:typing:stop"
	NotificationMarkRead = "notification:markRead"
)

// Server to client
const (
	ConnectionSuccess  = "connection:success"
	UserOnline         = "user:online"
	UserOffline        = "user:offline"
	NotificationNew    = "notification:new"
	NotificationRead   = "notification:read"
	MessageNew         = "message:new"
	MessageTyping      = "message:typing"
	MatchNew           = "match:new"
	AccountUpdate      = "account:update"
	ServerAnnouncement = "server:announcement"
	ErrorEvent         = "error"
	AckEvent           = "ack"
)

// Error codes carried in error frames.
const (
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnknownEvent   = "UNKNOWN_EVENT"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeForbiddenRoom  = "FORBIDDEN_ROOM"
	CodeInternal       = "INTERNAL"
)
