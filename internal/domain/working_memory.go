package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// WMComponent names the Baddeley-style working memory component an item
// belongs to.
type WMComponent string

const (
	WMPhonological     WMComponent = "phonological"
	WMVisuospatial     WMComponent = "visuospatial"
	WMEpisodicBuffer   WMComponent = "episodic_buffer"
	WMCentralExecutive WMComponent = "central_executive"
)

func ValidWMComponent(s string) bool {
	switch WMComponent(s) {
	case WMPhonological, WMVisuospatial, WMEpisodicBuffer, WMCentralExecutive:
		return true
	}
	return false
}

const (
	// WorkingMemoryTarget is the soft slot limit (Miller's 7). Inserting at or
	// above this evicts the weakest item first.
	WorkingMemoryTarget = 7
	// WorkingMemoryHardCap is the absolute slot limit. Inserting at this
	// count fails with ErrCapacityExceeded.
	WorkingMemoryHardCap = 9
)

// WorkingMemoryItem is one slot of the agent's mental workspace. Activation
// decays exponentially since last access; important items decay slower.
type WorkingMemoryItem struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`

	Content   string      `json:"content"`
	Component WMComponent `json:"component"`

	Activation float32 `json:"activation"`
	DecayRate  float32 `json:"decay_rate"`
	Importance float32 `json:"importance"`

	LastAccessed time.Time `json:"last_accessed"`
	Embedding    []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentActivation computes the decayed activation at time now:
//
//	activation * exp(-decay_rate * (1 - importance*0.5) * age_seconds)
//
// Importance dampens the effective decay rate so important items linger.
func (w *WorkingMemoryItem) CurrentActivation(now time.Time) float32 {
	age := now.Sub(w.LastAccessed).Seconds()
	if age <= 0 {
		return w.Activation
	}
	effective := float64(w.DecayRate) * (1 - float64(w.Importance)*0.5)
	return w.Activation * float32(math.Exp(-effective*age))
}

// WorkingMemorySnapshot is the current workspace state with activations
// computed at snapshot time.
type WorkingMemorySnapshot struct {
	Items    []WorkingMemoryItem `json:"items"`
	Occupied int                 `json:"occupied"`
	Target   int                 `json:"target"`
	HardCap  int                 `json:"hard_cap"`
	TakenAt  time.Time           `json:"taken_at"`
}
