package animator

import "github.com/thruflo/itinerant/internal/job"

// Entry is one rotating message with its icon.
type Entry struct {
	Message string `yaml:"message" json:"message"`
	Icon    string `yaml:"icon" json:"icon"`
}

// Catalog holds the rotating stage messages.
type Catalog struct {
	// Generic is used when no stage is known to be running, or the running
	// stage has no messages of its own.
	Generic []Entry `yaml:"generic"`
	// Stages holds per-stage messages.
	Stages map[job.StageID][]Entry `yaml:"stages"`
	Done   Entry                   `yaml:"done"`
	Failed Entry                   `yaml:"failed"`
}

// DefaultCatalog returns the built-in travel planning messages.
func DefaultCatalog() Catalog {
	return Catalog{
		Generic: []Entry{
			{Message: "Planning your trip", Icon: "🧳"},
			{Message: "Checking the best routes", Icon: "🗺️"},
			{Message: "Looking at local favourites", Icon: "⭐"},
			{Message: "Balancing your days", Icon: "📅"},
		},
		Stages: map[job.StageID][]Entry{
			"planner": {
				{Message: "Sketching your itinerary", Icon: "🧭"},
				{Message: "Ordering the days", Icon: "🧭"},
			},
			"enrichment": {
				{Message: "Adding tips and context", Icon: "✨"},
				{Message: "Checking opening hours", Icon: "✨"},
			},
			"places": {
				{Message: "Finding places to visit", Icon: "📍"},
				{Message: "Picking spots to eat", Icon: "🍽️"},
			},
		},
		Done:   Entry{Message: "Your itinerary is ready", Icon: "✅"},
		Failed: Entry{Message: "We couldn't finish your itinerary", Icon: "⚠️"},
	}
}

func (c Catalog) pick(active job.StageID, n int) Entry {
	pool := c.Generic
	if active != "" {
		if entries := c.Stages[active]; len(entries) > 0 {
			pool = entries
		}
	}
	if len(pool) == 0 {
		return Entry{}
	}
	if n < 0 {
		n = -n
	}
	return pool[n%len(pool)]
}
