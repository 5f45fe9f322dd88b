package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/resume"
	"go.uber.org/zap"
)

// Initialize resumes the session recorded for key, replaying its history,
// or creates a new one. Any resume problem falls back to creation; only a
// failure to create is returned.
func (o *Orchestrator) Initialize(ctx context.Context, key string, ic conversation.InitContext) (*conversation.Session, error) {
	sess := o.resumeSession(ctx, key, ic)
	if sess == nil {
		var err error
		sess, err = o.createSession(ctx, key, ic)
		if err != nil {
			return nil, err
		}
	}
	return o.install(ctx, key, sess)
}

// StartNewConsultation discards the current session and the active record
// for key, then creates a fresh session.
func (o *Orchestrator) StartNewConsultation(ctx context.Context, key string, ic conversation.InitContext) (*conversation.Session, error) {
	if err := o.call(ctx, o.teardown); err != nil {
		return nil, err
	}
	o.resume.ClearActive(ctx, key)
	sess, err := o.createSession(ctx, key, ic)
	if err != nil {
		return nil, err
	}
	return o.install(ctx, key, sess)
}

func (o *Orchestrator) resumeSession(ctx context.Context, key string, ic conversation.InitContext) *conversation.Session {
	rec, ok := o.resume.Get(ctx, key)
	if !ok {
		return nil
	}
	log := o.logger.With(zap.String("key", key), zap.String("session_id", rec.SessionID))

	entries, err := o.history.GetHistory(ctx, rec.SessionID, o.historyLimit)
	if err != nil {
		log.Warn("history fetch failed, starting a new session", zap.Error(err))
		return nil
	}
	if err := validateHistory(entries); err != nil {
		log.Warn("history malformed, starting a new session", zap.Error(err))
		return nil
	}

	agentType := rec.AgentType
	if agentType == "" {
		agentType = ic.AgentType
	}
	var caps conversation.Capabilities
	if rec.Capabilities != nil {
		caps = *rec.Capabilities
	}
	sess := conversation.NewSession(rec.SessionID, agentType, caps, o.now())
	for _, e := range entries {
		if _, err := sess.Log.Append(conversation.Message{
			Origin:     e.Origin,
			Content:    e.Content,
			Attachment: e.Attachment,
			CreatedAt:  e.Timestamp,
		}); err != nil {
			log.Warn("history replay failed, starting a new session", zap.Error(err))
			return nil
		}
		if !e.Timestamp.IsZero() {
			sess.LastActivity = e.Timestamp
		}
	}
	sess.Touch(o.now())
	o.metrics.Session("resumed")
	log.Info("session resumed", zap.Int("messages", len(entries)))
	return sess
}

func validateHistory(entries []conversation.HistoryEntry) error {
	for i, e := range entries {
		if !e.Origin.Valid() {
			return fmt.Errorf("entry %d: invalid origin %q", i, e.Origin)
		}
		if strings.TrimSpace(e.Content) == "" && e.Attachment == nil {
			return fmt.Errorf("entry %d: empty message", i)
		}
		if i > 0 && !e.Timestamp.IsZero() && e.Timestamp.Before(entries[i-1].Timestamp) {
			return fmt.Errorf("entry %d: out of order", i)
		}
	}
	return nil
}

func (o *Orchestrator) createSession(ctx context.Context, key string, ic conversation.InitContext) (*conversation.Session, error) {
	info, err := o.backend.CreateSession(ctx, key, ic)
	if err != nil {
		return nil, fmt.Errorf("engine: create session: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("engine: create session: backend returned no id")
	}
	agentType := info.AgentType
	if agentType == "" {
		agentType = ic.AgentType
	}
	sess := conversation.NewSession(info.ID, agentType, info.Capabilities, o.now())
	caps := info.Capabilities
	o.resume.SaveActive(ctx, key, resume.Record{
		SessionID:    info.ID,
		AgentType:    agentType,
		Capabilities: &caps,
	})
	o.metrics.Session("created")
	o.logger.Info("session created", zap.String("key", key), zap.String("session_id", info.ID))
	return sess, nil
}

// install makes sess current, tearing down the previous one.
func (o *Orchestrator) install(ctx context.Context, key string, sess *conversation.Session) (*conversation.Session, error) {
	var out *conversation.Session
	err := o.call(ctx, func() {
		o.teardown()
		o.session = sess
		o.key = key
		o.publish(Update{Kind: UpdateSession, SessionID: sess.ID})
		o.publishState()
		out = sess.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// teardown cancels everything the current session started and returns the
// machine to Idle. Runs on the actor.
func (o *Orchestrator) teardown() {
	mode := o.machine.Mode()
	o.cancelSend()
	o.sendUser = ""
	o.registry.CancelAll()
	o.recognizing, o.speaking = nil, nil
	if mode.Voice {
		o.stopRecognizer()
		o.stopSynthesizer()
	}
	o.monitor.Stop()
	o.stopAckTimer()
	o.machine.Reset()
	o.pending = nil
	o.transcript = ""
	o.lastError = ""
	o.summary = nil
	o.summaryCall = nil
	if o.session != nil {
		o.logger.Debug("session torn down", zap.String("session_id", o.session.ID))
		o.session = nil
		o.publishState()
	}
}
