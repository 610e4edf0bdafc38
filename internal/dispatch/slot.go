package dispatch

// SlotStatus is the state of a worker slot.
type SlotStatus string

const (
	SlotIdle SlotStatus = "idle"
	SlotBusy SlotStatus = "busy"
)

// Slot is one unit of run concurrency.
type Slot struct {
	ID     string     `json:"id"`
	Status SlotStatus `json:"status"`
	RunID  string     `json:"run_id,omitempty"`
}
