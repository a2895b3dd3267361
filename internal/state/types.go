package state

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusDestroyed Status = "destroyed"
)

const (
	RedirectHTTP   = "http"
	RedirectDirect = "direct"

	// ChallengeTypeDynamic is the only challenge type that gets instances.
	ChallengeTypeDynamic = "dynamic_docker"
)

// Instance is one user's running challenge container. Port is zero unless
// the challenge uses direct mode; RouteName is empty unless it uses HTTP mode.
type Instance struct {
	ID              int64      `json:"id"`
	UUID            string     `json:"uuid"`
	UserID          string     `json:"user_id"`
	ChallengeID     string     `json:"challenge_id"`
	Port            int        `json:"port,omitempty"`
	Flag            string     `json:"flag"`
	ContainerID     string     `json:"container_id"`
	ContainerName   string     `json:"container_name"`
	InternalAddress string     `json:"internal_address"`
	RouteName       string     `json:"route_name,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	RenewCount      int        `json:"renew_count"`
	Status          Status     `json:"status"`
	DestroyedAt     *time.Time `json:"destroyed_at,omitempty"`
}

type Challenge struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Image        string            `json:"image"`
	RedirectType string            `json:"redirect_type"`
	RedirectPort int               `json:"redirect_port"`
	MemoryLimit  string            `json:"memory_limit,omitempty"`
	CPULimit     float64           `json:"cpu_limit,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

func (c Challenge) Direct() bool { return c.RedirectType == RedirectDirect }

func (c Challenge) Instanceable() bool {
	return c.Type == ChallengeTypeDynamic && c.Image != ""
}
