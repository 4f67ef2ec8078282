package admin

import "encoding/json"

type emitRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type announceRequest struct {
	Data json.RawMessage `json:"data"`
}

type emitResponse struct {
	Published bool   `json:"published"`
	Error     string `json:"error,omitempty"`
}

type presenceResponse struct {
	ServerID    string   `json:"serverId"`
	Users       []string `json:"users"`
	Connections int      `json:"connections"`
}
