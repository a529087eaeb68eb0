package graph

import (
	"encoding/json"
	"sync"
	"time"
)

// states are milliseconds since the epoch, with a fractional part
// so that writes within the same millisecond still increase
const StateEpsilon = 0.001

type Clock struct {
	mutex sync.Mutex
	now   func() time.Time
	last  float64
}

func NewClock() *Clock {
	return NewClockWithNow(time.Now)
}

func NewClockWithNow(now func() time.Time) *Clock {
	return &Clock{
		now: now,
	}
}

// strictly increasing
func (self *Clock) State() float64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	state := float64(self.now().UnixNano()) / float64(time.Millisecond)
	if state <= self.last {
		state = self.last + StateEpsilon
	}
	self.last = state
	return state
}

// hypothetical amnesia machine, reduced to a total order on (state, value)
// the higher state wins; equal states are broken by the larger json encoding
// so every replica that sees the same writes converges, in any order.
// a tombstone encodes as `null`: it wins ties with strings, numbers and `false`,
// and loses ties with links and `true`
func Wins(incomingState float64, incomingValue any, currentState float64, currentValue any, present bool) bool {
	if !present {
		return true
	}
	if currentState < incomingState {
		return true
	}
	if incomingState < currentState {
		return false
	}
	return lexical(currentValue) < lexical(incomingValue)
}

func lexical(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}
