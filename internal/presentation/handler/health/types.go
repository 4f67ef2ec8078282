package health

type healthResponse struct {
	Status      string `json:"status"` // ok or degraded
	Timestamp   string `json:"timestamp"`
	Connections int    `json:"connections"`
	RabbitMQ    string `json:"rabbitMQ"`
	ServerID    string `json:"serverId"`
	Uptime      string `json:"uptime"`
}
