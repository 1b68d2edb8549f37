package pipeline

// State is a stage of a capture run.
type State int

const (
	Idle State = iota
	Planning
	Capturing
	Compositing
	Delivering
	Done
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:        "idle",
	Planning:    "planning",
	Capturing:   "capturing",
	Compositing: "compositing",
	Delivering:  "delivering",
	Done:        "done",
	Cancelled:   "cancelled",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Done || s == Cancelled || s == Failed
}
