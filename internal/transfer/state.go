package transfer

// State is where one direction of a transfer is at.
type State uint8

const (
	Done State = iota
	Active
	Paused
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	}
	return "done"
}

// pause only stops an active direction.
func (s *State) pause() bool {
	if *s != Active {
		return false
	}
	*s = Paused
	return true
}

func (s *State) resume() bool {
	if *s != Paused {
		return false
	}
	*s = Active
	return true
}

func (s *State) finish() { *s = Done }

type exp100 uint8

const (
	expNone     exp100 = iota
	expAwaiting        // head sent, body held back
	expDone            // 100 Continue seen or waited long enough
)
