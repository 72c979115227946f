package domain

import "time"

// LayerStats is the per-layer slice of a statistics report.
type LayerStats struct {
	Count        int       `json:"count"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// MemoryStats is the cross-layer statistics rollup for one project.
type MemoryStats struct {
	ProjectID string `json:"project_id"`

	Episodic struct {
		Total       int               `json:"total"`
		ByLifecycle map[Lifecycle]int `json:"by_lifecycle"`
		Backlog     int               `json:"backlog"`
	} `json:"episodic"`

	Semantic struct {
		Total        int `json:"total"`
		Consolidated int `json:"consolidated"`
	} `json:"semantic"`

	Procedural struct {
		Total int `json:"total"`
	} `json:"procedural"`

	Prospective struct {
		Pending int `json:"pending"`
		Active  int `json:"active"`
	} `json:"prospective"`

	Graph struct {
		Entities  int `json:"entities"`
		Relations int `json:"relations"`
	} `json:"graph"`

	Working struct {
		Occupied int `json:"occupied"`
		HardCap  int `json:"hard_cap"`
	} `json:"working"`

	Health      *HealthReport `json:"health,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}
