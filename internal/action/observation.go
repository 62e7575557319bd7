package action

import "time"

// Observation is a single captured frame, with the image off-loaded to a
// temp file so only a reference is retained in memory (spec §3).
type Observation struct {
	ImageRef         string    `json:"image_ref"`
	Timestamp        time.Time `json:"timestamp"`
	ChangedSinceLast bool      `json:"changed_since_last"`
	PHash            string    `json:"phash"`
	HashDistance     int       `json:"hash_distance"`
	Note             string    `json:"note,omitempty"`
}

// Note is an entry in the agent-writable notebook (spec §3).
type Note struct {
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
