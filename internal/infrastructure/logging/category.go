package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	Redis           Category = "Redis"
	RabbitMQ        Category = "RabbitMQ"
	MongoDB         Category = "MongoDB"
	WebSocket       Category = "WebSocket"
	Session         Category = "Session"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	RateLimiting    SubCategory = "RateLimiting"
	ExternalService SubCategory = "ExternalService"

	// RabbitMQ
	Connection SubCategory = "Connection"
	Reconnect  SubCategory = "Reconnect"
	Topology   SubCategory = "Topology"
	Publish    SubCategory = "Publish"
	Consume    SubCategory = "Consume"

	// WebSocket
	Handshake SubCategory = "Handshake"
	Lifecycle SubCategory = "Lifecycle"
	Dispatch  SubCategory = "Dispatch"
	ClientEvt SubCategory = "ClientEvent"

	// Session
	Lookup SubCategory = "Lookup"

	// MongoDB
	AuditLog SubCategory = "AuditLog"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	ClientIp     ExtraKey = "ClientIp"
	HostIp       ExtraKey = "HostIp"
	Method       ExtraKey = "Method"
	StatusCode   ExtraKey = "StatusCode"
	BodySize     ExtraKey = "BodySize"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	RequestBody  ExtraKey = "RequestBody"
	ResponseBody ExtraKey = "ResponseBody"
	ErrorMessage ExtraKey = "ErrorMessage"

	ServerID     ExtraKey = "ServerId"
	UserID       ExtraKey = "UserId"
	ConnectionID ExtraKey = "ConnectionId"
	RoomID       ExtraKey = "RoomId"
	EnvelopeID   ExtraKey = "EnvelopeId"
	Exchange     ExtraKey = "Exchange"
	RoutingKey   ExtraKey = "RoutingKey"
	Event        ExtraKey = "Event"
	State        ExtraKey = "State"
	Attempt      ExtraKey = "Attempt"
	Delay        ExtraKey = "Delay"
)
