// Package engine implements the consultation orchestrator. One actor
// goroutine owns the session, the turn machine and the pending operations;
// every command and collaborator callback reaches it through the mailbox.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/metrics"
	"github.com/zulandar/consult/internal/resume"
	"github.com/zulandar/consult/internal/stream"
	"github.com/zulandar/consult/internal/task"
	"github.com/zulandar/consult/internal/turn"
	"github.com/zulandar/consult/internal/voice"
	"go.uber.org/zap"
)

// Defaults for Opts.
const (
	DefaultHistoryLimit    = 50
	DefaultFallbackReply   = "I don't have a response for that yet. Could you rephrase?"
	DefaultMinMessages     = 5
	DefaultMinUserMessages = 3
	closeTimeout           = 5 * time.Second
)

var (
	ErrNoSession              = errors.New("engine: no active session")
	ErrEmptyMessage           = errors.New("engine: message is empty")
	ErrActionUnsupported      = errors.New("engine: action not supported")
	ErrAttachmentsUnsupported = errors.New("engine: attachments not supported")
	ErrNeedsMoreConversation  = errors.New("engine: needs more conversation")
	ErrSummaryFailed          = errors.New("engine: summary failed")
	ErrVoiceUnavailable       = errors.New("engine: voice is unavailable")
	ErrClosed                 = errors.New("engine: closed")
)

// Rejection is a user-facing refusal of a command. Reason is safe to show.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string { return r.Reason }

func (r *Rejection) Unwrap() error { return r.Err }

// HistoryFetcher loads prior messages of a session.
type HistoryFetcher interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]conversation.HistoryEntry, error)
}

// Backend creates sessions and generates summaries.
type Backend interface {
	CreateSession(ctx context.Context, key string, ic conversation.InitContext) (conversation.SessionInfo, error)
	GenerateSummary(ctx context.Context, sessionID string) (conversation.Summary, error)
}

// Journal persists accepted turn transitions.
type Journal interface {
	RecordTransition(ctx context.Context, sessionID string, t turn.Transition) error
}

// SummaryPolicy is the engagement threshold for summaries.
type SummaryPolicy struct {
	MinMessages     int
	MinUserMessages int
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Transport stream.Transport
	History   HistoryFetcher
	Backend   Backend
	Resume    *resume.Manager

	// Recognizer and Synthesizer are optional. Without a recognizer voice
	// mode is unavailable; without a synthesizer replies are not spoken.
	Recognizer  voice.Recognizer
	Synthesizer voice.Synthesizer
	Monitor     voice.MonitorOpts

	HistoryLimit  int
	FallbackReply string
	Summary       SummaryPolicy
	// ErrorRecovery, when positive, acknowledges a voice error automatically.
	ErrorRecovery time.Duration

	Journal Journal
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// submission is a typed send waiting for its SubmitText effect.
type submission struct {
	content     string
	attachments []stream.Attachment
	action      string
}

// Orchestrator is the single entry point for a consultation.
type Orchestrator struct {
	consumer    *stream.Consumer
	history     HistoryFetcher
	backend     Backend
	resume      *resume.Manager
	recognizer  voice.Recognizer
	synthesizer voice.Synthesizer
	monitor     *voice.Monitor
	journal     Journal
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	historyLimit  int
	fallbackReply string
	summaryPolicy SummaryPolicy
	errorRecovery time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	box       *mailbox
	actorDone chan struct{}
	closeOnce sync.Once

	// Owned by the actor.
	session     *conversation.Session
	key         string
	machine     *turn.Machine
	registry    *task.Registry
	send        *task.Handle
	// sendUser is the id of the user message the send in flight answers.
	sendUser    string
	gen         uint64
	pending     *submission
	recognizing *task.Handle
	speaking    *task.Handle
	transcript  string
	draft       string
	lastError   string
	summary     *conversation.Summary
	summaryCall *summaryCall
	ackTimer    *time.Timer

	viewMu sync.RWMutex
	view   Snapshot

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

// New validates opts and starts the actor.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("engine: history is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("engine: backend is required")
	}
	if opts.Resume == nil {
		return nil, fmt.Errorf("engine: resume manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	consumer, err := stream.NewConsumer(stream.ConsumerOpts{Transport: opts.Transport, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	if opts.Summary.MinMessages <= 0 {
		opts.Summary.MinMessages = DefaultMinMessages
	}
	if opts.Summary.MinUserMessages <= 0 {
		opts.Summary.MinUserMessages = DefaultMinUserMessages
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		consumer:      consumer,
		history:       opts.History,
		backend:       opts.Backend,
		resume:        opts.Resume,
		recognizer:    opts.Recognizer,
		synthesizer:   opts.Synthesizer,
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		logger:        logger.Named("engine"),
		now:           now,
		historyLimit:  opts.HistoryLimit,
		fallbackReply: opts.FallbackReply,
		summaryPolicy: opts.Summary,
		errorRecovery: opts.ErrorRecovery,
		ctx:           ctx,
		cancel:        cancel,
		box:           newMailbox(),
		actorDone:     make(chan struct{}),
		machine:       turn.NewMachine(),
		registry:      task.NewRegistry(ctx),
		subs:          make(map[int]*subscriber),
	}

	monitorOpts := opts.Monitor
	if monitorOpts.Logger == nil {
		monitorOpts.Logger = logger
	}
	onFire := monitorOpts.OnFire
	monitorOpts.OnFire = func(src voice.Source) {
		o.metrics.Interruption(string(src))
		if onFire != nil {
			onFire(src)
		}
	}
	o.monitor = voice.NewMonitor(monitorOpts)

	o.machine.Observe(func(t turn.Transition) {
		o.metrics.Transition(t.From.Phase.String(), t.To.Phase.String(), t.Event.Type.String())
	})
	o.refresh()

	go o.loop()
	return o, nil
}

// Close cancels every pending operation, stops the voice collaborators and
// the actor, then closes all subscriptions.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		_ = o.call(context.Background(), func() {
			o.teardown()
		})
		waitCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := o.registry.Wait(waitCtx); err != nil {
			o.logger.Warn("pending operations did not finish before close", zap.Error(err))
		}
		cancel()
		o.cancel()
		<-o.actorDone
		o.closeSubscribers()
	})
	return nil
}

// reject builds a Rejection and counts it.
func (o *Orchestrator) reject(err error, reason string) error {
	o.metrics.Rejection(rejectionLabel(err))
	o.logger.Debug("command rejected", zap.String("reason", reason), zap.Error(err))
	return &Rejection{Reason: reason, Err: err}
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrEmptyMessage):
		return "empty"
	case errors.Is(err, ErrActionUnsupported):
		return "action"
	case errors.Is(err, ErrAttachmentsUnsupported):
		return "attachments"
	case errors.Is(err, ErrNeedsMoreConversation):
		return "needs_more_conversation"
	case errors.Is(err, ErrVoiceUnavailable):
		return "voice_unavailable"
	case errors.Is(err, stream.ErrInvalidRequest):
		return "invalid"
	}
	return "other"
}
