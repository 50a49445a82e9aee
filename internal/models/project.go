package models

import "time"

// ProjectStatus tracks whether a project currently has build work in flight.
type ProjectStatus string

const (
	ProjectStatusIdle     ProjectStatus = "idle"
	ProjectStatusBuilding ProjectStatus = "building"
)

// Project groups builds, jobs and a worker binding for one generated app.
type Project struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Status    ProjectStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
