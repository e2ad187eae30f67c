package types

import "fmt"

// Priority orders tasks by how urgently they want power. The ordering is
// strict: URGENT tasks always outrank HIGH, and so on down to LOW.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// Bump returns the priority one level up, saturating at URGENT.
func (p Priority) Bump() Priority {
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

// TaskDetails is the externally visible state of one managed load as the
// scheduler sees it: identity, claimed power, metering channels, and whether
// the load can productively draw more than its declared minimum.
type TaskDetails struct {
	Name       string   `json:"name"`
	Priority   Priority `json:"priority"`
	Power      float64  `json:"power"`
	Keys       []string `json:"keys"`
	AutoAdjust bool     `json:"autoAdjust"`
}

// Compare orders task details by importance. It returns a negative number
// when d is less important than other, positive when more important, and 0
// on a tie. Higher priority wins; among equals an auto-adjust task outranks
// a fixed one; among those the larger declared power wins.
func (d TaskDetails) Compare(other TaskDetails) int {
	if d.Priority != other.Priority {
		if d.Priority < other.Priority {
			return -1
		}
		return 1
	}
	if d.AutoAdjust != other.AutoAdjust {
		if other.AutoAdjust {
			return -1
		}
		return 1
	}
	if d.Power != other.Power {
		if d.Power < other.Power {
			return -1
		}
		return 1
	}
	return 0
}

// Usage returns the task's draw in rec: the summed value of its own
// channels, never negative.
func (d TaskDetails) Usage(rec Record) float64 {
	return rec.UsedBy(d.Keys)
}

// SharesKeys reports whether the two tasks claim any common metering channel.
func (d TaskDetails) SharesKeys(other TaskDetails) bool {
	for _, k := range d.Keys {
		for _, o := range other.Keys {
			if k == o {
				return true
			}
		}
	}
	return false
}
