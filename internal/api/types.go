package api

import "time"

// Envelope wraps every response. Reason is a stable machine code, Msg is
// meant for the player.
type Envelope struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Msg     string `json:"msg,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type InstancePayload struct {
	UUID          string    `json:"uuid"`
	UserID        string    `json:"user_id"`
	ChallengeID   string    `json:"challenge_id"`
	Type          string    `json:"type"`
	Domain        string    `json:"domain,omitempty"`
	IP            string    `json:"ip,omitempty"`
	Port          int       `json:"port,omitempty"`
	LanDomain     string    `json:"lan_domain"`
	RemainingTime int64     `json:"remaining_time"`
	RenewCount    int       `json:"renew_count"`
	StartTime     time.Time `json:"start_time"`
}

// AdminInstancePayload adds what only operators may see.
type AdminInstancePayload struct {
	InstancePayload
	Flag          string `json:"flag"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
}

type PagePayload struct {
	Items   []AdminInstancePayload `json:"items"`
	Total   int                    `json:"total"`
	Page    int                    `json:"page"`
	PerPage int                    `json:"per_page"`
	Pages   int                    `json:"pages"`
}

type SettingsPayload struct {
	Version int64             `json:"version"`
	Values  map[string]string `json:"values"`
}

type SweepPayload struct {
	Expired   int   `json:"expired"`
	Destroyed int   `json:"destroyed"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	Pruned    int64 `json:"pruned"`
}

type ReconcilePayload struct {
	Checked         int `json:"checked"`
	MarkedDestroyed int `json:"marked_destroyed"`
	OrphansRemoved  int `json:"orphans_removed"`
	RoutesRestored  int `json:"routes_restored"`
	Skipped         int `json:"skipped"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Uptime          int64  `json:"uptime_seconds"`
	DockerOK        bool   `json:"docker_ok"`
	ActiveInstances int    `json:"active_instances"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
