package engine

import (
	"context"

	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/turn"
)

// UpdateKind names what changed.
type UpdateKind string

const (
	UpdateSession         UpdateKind = "session"
	UpdateState           UpdateKind = "state"
	UpdateTranscript      UpdateKind = "transcript"
	UpdateDraft           UpdateKind = "draft"
	UpdateMessageAppended UpdateKind = "message_appended"
	UpdateMessageReplaced UpdateKind = "message_replaced"
	UpdateMessageRemoved  UpdateKind = "message_removed"
	UpdateError           UpdateKind = "error"
	UpdateSummary         UpdateKind = "summary"
)

// Update is one observable change, published in the order the actor made it.
type Update struct {
	Kind      UpdateKind            `json:"kind"`
	SessionID string                `json:"session_id,omitempty"`
	State     *turn.State           `json:"state,omitempty"`
	Mode      *turn.Mode            `json:"mode,omitempty"`
	Text      string                `json:"text,omitempty"`
	Message   *conversation.Message `json:"message,omitempty"`
	Index     int                   `json:"index"`
	Summary   *conversation.Summary `json:"summary,omitempty"`
}

// Snapshot is the full observable state at one instant.
type Snapshot struct {
	Key          string                    `json:"key,omitempty"`
	SessionID    string                    `json:"session_id,omitempty"`
	AgentType    string                    `json:"agent_type,omitempty"`
	Capabilities conversation.Capabilities `json:"capabilities"`
	Complete     bool                      `json:"complete"`
	Messages     []conversation.Message    `json:"messages"`
	State        turn.State                `json:"state"`
	Mode         turn.Mode                 `json:"mode"`
	Transcript   string                    `json:"transcript"`
	Draft        string                    `json:"draft"`
	Error        string                    `json:"error,omitempty"`
	Summary      *conversation.Summary     `json:"summary,omitempty"`
}

// Snapshot returns the state as of the last processed command or callback.
func (o *Orchestrator) Snapshot() Snapshot {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	s := o.view
	s.Messages = append([]conversation.Message(nil), o.view.Messages...)
	return s
}

// Session returns a copy of the current session, or nil.
func (o *Orchestrator) Session() *conversation.Session {
	var s *conversation.Session
	if err := o.call(o.ctx, func() { s = o.session.Clone() }); err != nil {
		return nil
	}
	return s
}

// State returns the current turn state.
func (o *Orchestrator) State() turn.State { return o.machine.State() }

// refresh rebuilds the snapshot. Runs on the actor after every item.
func (o *Orchestrator) refresh() {
	v := Snapshot{
		State:      o.machine.State(),
		Mode:       o.machine.Mode(),
		Transcript: o.transcript,
		Draft:      o.draft,
		Error:      o.lastError,
		Summary:    o.summary,
		Messages:   []conversation.Message{},
	}
	if s := o.session; s != nil {
		v.Key = o.key
		v.SessionID = s.ID
		v.AgentType = s.AgentType
		v.Capabilities = s.Capabilities
		v.Complete = s.Complete
		v.Messages = s.Log.Messages()
	}
	o.viewMu.Lock()
	o.view = v
	o.viewMu.Unlock()
}

// subscriber queues updates for one observer. A pump goroutine moves them
// to out so a slow reader never blocks the actor and never loses updates.
type subscriber struct {
	pending *queue[Update]
	out     chan Update
	ctx     context.Context
	cancel  context.CancelFunc
}

func newSubscriber() *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{pending: newQueue[Update](), out: make(chan Update), ctx: ctx, cancel: cancel}
	go s.pump()
	return s
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		u, ok := s.pending.next(s.ctx)
		if !ok {
			return
		}
		select {
		case s.out <- u:
		case <-s.ctx.Done():
			return
		}
	}
}

// Subscribe returns a channel of updates and a function that ends the
// subscription. Every update is delivered in order however slowly the
// channel is read. After Close the channel drains and is closed.
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.closed {
		ch := make(chan Update)
		close(ch)
		return ch, func() {}
	}
	sub := newSubscriber()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = sub
	return sub.out, func() {
		o.subMu.Lock()
		delete(o.subs, id)
		o.subMu.Unlock()
		sub.cancel()
	}
}

func (o *Orchestrator) publish(u Update) {
	if u.SessionID == "" && o.session != nil {
		u.SessionID = o.session.ID
	}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	backlog := 0
	for _, sub := range o.subs {
		sub.pending.push(u)
		if n := sub.pending.size(); n > backlog {
			backlog = n
		}
	}
	o.metrics.Backlog(backlog)
}

func (o *Orchestrator) closeSubscribers() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.closed = true
	for id, sub := range o.subs {
		delete(o.subs, id)
		sub.pending.close()
	}
}

func (o *Orchestrator) publishState() {
	s := o.machine.State()
	m := o.machine.Mode()
	o.publish(Update{Kind: UpdateState, State: &s, Mode: &m})
}

func (o *Orchestrator) publishMessage(kind UpdateKind, m conversation.Message, idx int) {
	o.publish(Update{Kind: kind, Message: &m, Index: idx})
}
