// Package conversation stores the ordered transcript of a call and
// produces the read-only snapshots used to build model prompts.
package conversation

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Speaker identifies who produced a turn.
type Speaker int

const (
	Caller Speaker = iota
	Agent
)

func (s Speaker) String() string {
	switch s {
	case Caller:
		return "caller"
	case Agent:
		return "agent"
	default:
		return "unknown"
	}
}

// TurnID identifies a turn within one Context.
type TurnID uint64

// Turn is one entry of the transcript.
type Turn struct {
	ID          TurnID    `json:"id"`
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
	Interrupted bool      `json:"interrupted,omitempty"`
	// Pending turns are still being produced and are never evicted.
	Pending bool `json:"pending,omitempty"`
}

// Utterance is a finalized caller turn handed to response generation.
type Utterance struct {
	ID   uint64
	Text string
	At   time.Time
	// Forced is set when the utterance was finalized from partial text
	// because no final transcript arrived in time.
	Forced bool
}

// Budget caps the stored transcript. Zero values mean unlimited.
type Budget struct {
	MaxTurns  int
	MaxTokens int
}

// EstimateTokens approximates the token count of text at four runes per
// token, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Context is the transcript of one call. It is owned by a single goroutine
// and is not safe for concurrent use; other components receive Snapshots.
type Context struct {
	budget Budget
	turns  []Turn
	tokens int
	nextID TurnID
}

// New creates an empty context.
func New(b Budget) *Context {
	return &Context{budget: b, nextID: 1}
}

// Append adds a completed turn and evicts old turns to fit the budget.
func (c *Context) Append(s Speaker, text string, at time.Time) TurnID {
	id := c.add(Turn{Speaker: s, Text: text, At: at})
	c.evict()
	return id
}

// Open adds an empty pending turn, e.g. the response being generated.
func (c *Context) Open(s Speaker, at time.Time) TurnID {
	id := c.add(Turn{Speaker: s, At: at, Pending: true})
	c.evict()
	return id
}

// Complete finalizes a pending turn with its text.
func (c *Context) Complete(id TurnID, text string, interrupted bool) error {
	i := c.index(id)
	if i < 0 {
		return fmt.Errorf("complete turn %d: not found", id)
	}
	t := &c.turns[i]
	if !t.Pending {
		return fmt.Errorf("complete turn %d: not pending", id)
	}
	c.tokens += EstimateTokens(text) - EstimateTokens(t.Text)
	t.Text = text
	t.Interrupted = interrupted
	t.Pending = false
	c.evict()
	return nil
}

// Discard removes a turn, typically a pending response that produced no
// audible output.
func (c *Context) Discard(id TurnID) bool {
	i := c.index(id)
	if i < 0 {
		return false
	}
	c.tokens -= EstimateTokens(c.turns[i].Text)
	c.turns = append(c.turns[:i], c.turns[i+1:]...)
	return true
}

func (c *Context) add(t Turn) TurnID {
	t.ID = c.nextID
	c.nextID++
	c.turns = append(c.turns, t)
	c.tokens += EstimateTokens(t.Text)
	return t.ID
}

// evict drops the oldest completed turns until the budget holds. Pending
// turns are skipped; if only pending turns remain the budget may be
// exceeded until they complete.
func (c *Context) evict() {
	for c.over() {
		victim := -1
		for i, t := range c.turns {
			if !t.Pending {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		c.tokens -= EstimateTokens(c.turns[victim].Text)
		c.turns = append(c.turns[:victim], c.turns[victim+1:]...)
	}
}

func (c *Context) over() bool {
	if c.budget.MaxTurns > 0 && len(c.turns) > c.budget.MaxTurns {
		return true
	}
	return c.budget.MaxTokens > 0 && c.tokens > c.budget.MaxTokens
}

func (c *Context) index(id TurnID) int {
	for i := range c.turns {
		if c.turns[i].ID == id {
			return i
		}
	}
	return -1
}

// Len returns the number of stored turns.
func (c *Context) Len() int { return len(c.turns) }

// Tokens returns the estimated token count of stored turns.
func (c *Context) Tokens() int { return c.tokens }

// Budget returns the configured budget.
func (c *Context) Budget() Budget { return c.budget }

// Snapshot returns an immutable copy of the transcript.
func (c *Context) Snapshot() Snapshot {
	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	return Snapshot{turns: turns}
}

// Snapshot is a read-only view of a Context at one point in time.
type Snapshot struct {
	turns []Turn
}

// Turns returns a copy of the turns in order.
func (s Snapshot) Turns() []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Completed returns the turns that are not pending, in order.
func (s Snapshot) Completed() []Turn {
	out := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		if !t.Pending {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of turns in the snapshot.
func (s Snapshot) Len() int { return len(s.turns) }
