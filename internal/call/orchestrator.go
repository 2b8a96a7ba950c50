// Package call runs a phone conversation turn by turn. It owns the session
// lifecycle and guarantees that every webhook gets something playable back,
// whatever fails underneath.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/concierge/internal/cache"
	"github.com/haasonsaas/concierge/internal/calllog"
	"github.com/haasonsaas/concierge/internal/media/store"
	"github.com/haasonsaas/concierge/internal/media/transcribe"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/reply"
	"github.com/haasonsaas/concierge/internal/sessions"
	"github.com/haasonsaas/concierge/internal/tenant"
	"github.com/haasonsaas/concierge/internal/tts"
	"github.com/haasonsaas/concierge/internal/turn"
)

var errMissingCallID = errors.New("call: missing call id")

// Config wires an Orchestrator. Resolver, Fetcher, Transcriber, Generator
// and Synthesizer are required.
type Config struct {
	Resolver    TenantResolver
	Fetcher     Fetcher
	Transcriber Transcriber
	Generator   Responder
	Synthesizer Synthesizer

	Policy   *turn.Policy
	Sessions *sessions.Store
	// Voices picks the built-in voice when nothing could be synthesized.
	Voices *tts.VoiceTable
	// Media stores synthesized replies for <Play>. Without it every reply
	// is spoken by the built-in voice.
	Media   store.Store
	Archive Archiver
	Dedupe  *cache.DedupeCache[Reply]

	// TurnDeadline bounds one turn end to end.
	TurnDeadline time.Duration
	// MinUtteranceChars is the shortest transcript treated as input.
	MinUtteranceChars int
	// MinConfidence rejects transcripts recognized by the telephony layer
	// below this score. Zero accepts everything.
	MinConfidence float64

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Orchestrator is safe for concurrent use. Turns of the same call are
// serialized by the session store; different calls run in parallel.
type Orchestrator struct {
	cfg    Config
	dedupe *cache.DedupeCache[Reply]
	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator applies defaults and registers the eviction hook on the
// session store.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Policy == nil {
		cfg.Policy = turn.NewPolicy(turn.Config{})
	}
	if cfg.Sessions == nil {
		cfg.Sessions = sessions.NewStore(sessions.Config{})
	}
	if cfg.Voices == nil {
		cfg.Voices = tts.DefaultVoiceTable()
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = cache.NewDedupeCache[Reply](cache.DedupeCacheOptions{TTL: 10 * time.Minute, MaxSize: 8192})
	}
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 20 * time.Second
	}
	if cfg.MinUtteranceChars <= 0 {
		cfg.MinUtteranceChars = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{
		cfg:    cfg,
		dedupe: cfg.Dedupe,
		logger: cfg.Logger.With("component", "call-orchestrator"),
		now:    cfg.Now,
	}
	cfg.Sessions.OnEvict(o.onEvict)
	return o
}

// ActiveCalls returns the number of sessions held.
func (o *Orchestrator) ActiveCalls() int { return o.cfg.Sessions.Len() }

// Sweep evicts idle and finished sessions.
func (o *Orchestrator) Sweep(now time.Time) int {
	n := o.cfg.Sessions.Sweep(now)
	if n > 0 {
		o.logger.Info("sessions evicted", "count", n, "active", o.cfg.Sessions.Len())
	}
	return n
}

// BeginCall answers a new call with the tenant greeting. A redelivered
// start event gets the original greeting back.
func (o *Orchestrator) BeginCall(ctx context.Context, start CallStart) (r Reply) {
	began := time.Now()
	ctx = observability.AddCallID(ctx, start.CallID)
	ctx, span := o.cfg.Tracer.Start(ctx, "call.begin", "call_id", start.CallID)
	defer span.End()

	key := cache.EventKey(start.CallID, "start")
	if cached, ok := o.lookup(key); ok {
		o.cfg.Metrics.RecordTurn(OutcomeDuplicate, time.Since(began))
		return cached
	}

	profile := o.cfg.Resolver.Resolve(ctx, start.To)
	now := o.now()
	sess := &sessions.Session{
		CallID:    start.CallID,
		From:      start.From,
		To:        start.To,
		Profile:   profile,
		State:     sessions.StateGreeting,
		Greeting:  profile.Greeting(now),
		StartedAt: now,
	}

	var lease *sessions.Lease
	if start.CallID != "" {
		var err error
		lease, err = o.cfg.Sessions.Create(ctx, sess)
		switch {
		case errors.Is(err, sessions.ErrSessionExists):
			return o.replayGreeting(ctx, start.CallID, key, began)
		case err != nil:
			o.logger.WarnContext(ctx, "call not tracked", "error", err)
			lease = nil
		}
	}

	var scope *store.Scope
	if lease != nil {
		defer lease.Release()
		o.cfg.Metrics.RecordCallStarted(profile.ID)
		o.cfg.Metrics.SetActiveCalls(o.cfg.Sessions.Len())
		scope = o.newScope()
		if scope != nil {
			defer scope.Release(ctx)
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.ErrorContext(ctx, "panic while answering call", "panic", rec, "stack", string(debug.Stack()))
			o.cfg.Metrics.RecordRecovered(StagePanic)
			r = o.builtin(profile, sess.Greeting)
			r.ListenTimeoutSeconds, _ = o.cfg.Policy.ListenSeconds("")
			r.Outcome = OutcomePanic
			sess.State = sessions.StateListening
		}
		o.finish(key, sess, scope, r, began)
	}()

	r = o.voice(ctx, scope, start.CallID, 0, profile, sess.Greeting)
	sess.Append(sessions.SpeakerAgent, sess.Greeting, now)
	sess.State = sessions.StateListening
	r.ListenTimeoutSeconds, _ = o.cfg.Policy.ListenSeconds(sess.Greeting)
	r.Outcome = OutcomeGreeting
	o.logger.InfoContext(ctx, "call answered", "tenant", profile.ID, "from", start.From, "to", start.To)
	return r
}

func (o *Orchestrator) replayGreeting(ctx context.Context, callID, key string, began time.Time) Reply {
	lease, err := o.cfg.Sessions.Acquire(ctx, callID)
	if err != nil {
		return o.busy(ctx, callID, err, began)
	}
	defer lease.Release()
	sess := lease.Session()
	if cached, ok := o.lookup(key); ok {
		o.cfg.Metrics.RecordTurn(OutcomeDuplicate, time.Since(began))
		return cached
	}

	scope := o.newScope()
	if scope != nil {
		defer scope.Release(ctx)
	}
	r := o.voice(ctx, scope, callID, 0, sess.Profile, sess.Greeting)
	r.ListenTimeoutSeconds, _ = o.cfg.Policy.ListenSeconds(sess.Greeting)
	r.Outcome = OutcomeGreeting
	o.finish(key, sess, scope, r, began)
	return r
}

// AdvanceTurn handles one caller utterance (or silence) and returns what
// to play next. It never fails: errors degrade to fixed lines, the
// fallback reply or the built-in voice.
func (o *Orchestrator) AdvanceTurn(ctx context.Context, in TurnInput) (r Reply) {
	began := time.Now()
	ctx = observability.AddCallID(ctx, in.CallID)
	ctx, span := o.cfg.Tracer.Start(ctx, "call.turn", "call_id", in.CallID, "silence", in.Silence)
	defer span.End()

	key := cache.EventKey(in.CallID, in.Marker)
	if cached, ok := o.lookup(key); ok {
		o.logger.DebugContext(ctx, "duplicate turn delivery", "marker", in.Marker)
		o.cfg.Metrics.RecordTurn(OutcomeDuplicate, time.Since(began))
		return cached
	}

	lease, err := o.acquire(ctx, in)
	if err != nil {
		return o.busy(ctx, in.CallID, err, began)
	}
	defer lease.Release()
	sess := lease.Session()

	// Redelivered while we waited for the lock.
	if cached, ok := o.lookup(key); ok {
		o.cfg.Metrics.RecordTurn(OutcomeDuplicate, time.Since(began))
		return cached
	}

	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnDeadline)
	defer cancel()
	turnCtx = observability.AddTurn(turnCtx, sess.TurnIndex)

	scope := o.newScope()
	if scope != nil {
		defer scope.Release(ctx)
	}
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.ErrorContext(ctx, "panic during turn", "panic", rec, "stack", string(debug.Stack()))
			o.cfg.Metrics.RecordRecovered(StagePanic)
			r = o.builtin(sess.Profile, fixedLine(lineApology, sess.Profile))
			r.ListenTimeoutSeconds, _ = o.cfg.Policy.ListenSeconds("")
			r.TurnIndex = sess.TurnIndex
			r.Outcome = OutcomePanic
			if !sess.Terminated() {
				sess.State = sessions.StateListening
			}
		}
		o.finish(key, sess, scope, r, began)
	}()

	if sess.Terminated() {
		return o.closing(ctx, scope, sess, turn.Reason(sess.EndReason), OutcomeTerminated)
	}
	return o.advance(turnCtx, scope, sess, in)
}

func (o *Orchestrator) advance(ctx context.Context, scope *store.Scope, sess *sessions.Session, in TurnInput) Reply {
	profile := sess.Profile

	if in.Silence {
		sess.SilenceStreak++
		return o.prompt(ctx, scope, sess, lineSilence, OutcomeSilence)
	}

	text, ok := o.utterance(ctx, sess, in)
	if !ok {
		return o.fetchFailed(ctx, scope, sess)
	}
	if utf8.RuneCountInString(text) < o.cfg.MinUtteranceChars {
		o.recovered(ctx, ErrNoCallerInput)
		sess.NoInputStreak++
		sess.SilenceStreak = 0
		return o.prompt(ctx, scope, sess, lineNotUnderstood, OutcomeNoInput)
	}

	sess.NoInputStreak, sess.SilenceStreak = 0, 0
	sess.State = sessions.StateResponding
	history := historyMessages(sess.History)
	sess.Append(sessions.SpeakerCaller, text, o.now())

	answer, source, err := o.cfg.Generator.Respond(ctx, history, profile, text)
	if err != nil {
		o.recovered(ctx, err)
	}
	sess.Append(sessions.SpeakerAgent, answer, o.now())

	d := o.cfg.Policy.Decide(o.turnState(sess, answer))
	r := o.voice(ctx, scope, sess.CallID, sess.TurnIndex+1, profile, answer)
	sess.TurnIndex++
	r.TurnIndex = sess.TurnIndex
	r.ListenTimeoutSeconds = d.ListenTimeoutSeconds
	r.Outcome = OutcomeReply
	if d.ShouldTerminate {
		sess.Terminate(string(d.Reason), o.now())
		r.ShouldTerminate = true
		r.ClosingMessage = d.ClosingMessage
	} else {
		sess.State = sessions.StateListening
	}
	o.logger.InfoContext(ctx, "turn complete",
		"turn", sess.TurnIndex,
		"source", source,
		"speech", r.Speech.Provider,
		"listen_seconds", r.ListenTimeoutSeconds,
		"terminate", r.ShouldTerminate)
	return r
}

// utterance returns the caller's words. ok is false only when the
// recording could not be fetched; a failed transcription yields "".
func (o *Orchestrator) utterance(ctx context.Context, sess *sessions.Session, in TurnInput) (string, bool) {
	if text := strings.TrimSpace(in.Transcript); text != "" {
		if o.cfg.MinConfidence > 0 && in.Confidence > 0 && in.Confidence < o.cfg.MinConfidence {
			o.logger.DebugContext(ctx, "transcript below confidence", "confidence", in.Confidence)
			return "", true
		}
		return text, true
	}
	if in.RecordingRef == "" {
		return "", true
	}

	data, err := o.cfg.Fetcher.Fetch(ctx, in.RecordingRef)
	if err != nil {
		o.recovered(ctx, err)
		return "", false
	}
	res, err := o.cfg.Transcriber.Transcribe(ctx, transcribe.Audio{
		Data:     data,
		MIMEType: "audio/wav",
		Language: sess.Profile.Language,
		URL:      in.RecordingRef,
	})
	if err != nil {
		o.recovered(ctx, err)
		return "", true
	}
	return strings.TrimSpace(res.Text), true
}

func (o *Orchestrator) fetchFailed(ctx context.Context, scope *store.Scope, sess *sessions.Session) Reply {
	r := o.voice(ctx, scope, sess.CallID, sess.TurnIndex, sess.Profile, fixedLine(lineFetchUnavailable, sess.Profile))
	r.ListenTimeoutSeconds, _ = o.cfg.Policy.ListenSeconds("")
	r.TurnIndex = sess.TurnIndex
	r.Outcome = OutcomeFetchUnavailable
	sess.State = sessions.StateListening
	return r
}

// prompt re-asks the caller after no input or silence, or ends the call
// when the streak limits are reached. History is left untouched.
func (o *Orchestrator) prompt(ctx context.Context, scope *store.Scope, sess *sessions.Session, l line, outcome string) Reply {
	d := o.cfg.Policy.Decide(o.turnState(sess, ""))
	if d.ShouldTerminate {
		sess.Terminate(string(d.Reason), o.now())
		return o.closing(ctx, scope, sess, d.Reason, outcome)
	}
	r := o.voice(ctx, scope, sess.CallID, sess.TurnIndex, sess.Profile, fixedLine(l, sess.Profile))
	r.ListenTimeoutSeconds = d.ListenTimeoutSeconds
	r.TurnIndex = sess.TurnIndex
	r.Outcome = outcome
	sess.State = sessions.StateListening
	return r
}

func (o *Orchestrator) closing(ctx context.Context, scope *store.Scope, sess *sessions.Session, reason turn.Reason, outcome string) Reply {
	p := sess.Profile
	msg := turn.ClosingMessage(reason, p.DisplayName, p.Language, p.Register)
	r := o.voice(ctx, scope, sess.CallID, sess.TurnIndex, p, msg)
	r.ShouldTerminate = true
	r.ClosingMessage = msg
	r.TurnIndex = sess.TurnIndex
	r.Outcome = outcome
	return r
}

func (o *Orchestrator) turnState(sess *sessions.Session, replyText string) turn.Turn {
	return turn.Turn{
		ReplyText:     replyText,
		TurnIndex:     sess.TurnIndex,
		Elapsed:       o.now().Sub(sess.StartedAt),
		NoInputStreak: sess.NoInputStreak,
		SilenceStreak: sess.SilenceStreak,
		TenantName:    sess.Profile.DisplayName,
		Language:      sess.Profile.Language,
		Register:      sess.Profile.Register,
	}
}

// EndCall marks the session terminated, typically from a status callback.
// The session stays around for the grace period so late webhooks still get
// a closing reply.
func (o *Orchestrator) EndCall(ctx context.Context, callID, reason string) error {
	ctx = observability.AddCallID(ctx, callID)
	lease, err := o.cfg.Sessions.Acquire(ctx, callID)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	defer lease.Release()
	sess := lease.Session()
	if !sess.Terminated() {
		sess.Terminate(reason, o.now())
		o.logger.InfoContext(ctx, "call ended", "reason", reason, "turns", sess.TurnIndex)
	}
	return nil
}

func (o *Orchestrator) acquire(ctx context.Context, in TurnInput) (*sessions.Lease, error) {
	if in.CallID == "" {
		return nil, errMissingCallID
	}
	lease, err := o.cfg.Sessions.Acquire(ctx, in.CallID)
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		return lease, err
	}

	// Unknown call: the start event was lost or the session expired.
	profile := o.cfg.Resolver.Resolve(ctx, in.To)
	lease, err = o.cfg.Sessions.Create(ctx, &sessions.Session{
		CallID:    in.CallID,
		From:      in.From,
		To:        in.To,
		Profile:   profile,
		State:     sessions.StateListening,
		StartedAt: o.now(),
	})
	if errors.Is(err, sessions.ErrSessionExists) {
		return o.cfg.Sessions.Acquire(ctx, in.CallID)
	}
	if err == nil {
		o.logger.InfoContext(ctx, "session created mid-call", "tenant", profile.ID)
		o.cfg.Metrics.RecordCallStarted(profile.ID)
		o.cfg.Metrics.SetActiveCalls(o.cfg.Sessions.Len())
	}
	return lease, err
}

// busy answers when the session could not be locked.
func (o *Orchestrator) busy(ctx context.Context, callID string, err error, began time.Time) Reply {
	o.recovered(ctx, err)
	profile := tenant.DefaultProfile()
	if snap, ok := o.cfg.Sessions.Get(callID); ok {
		profile = snap.Profile
	}
	r := o.builtin(profile, fixedLine(lineApology, profile))
	r.ListenTimeoutSeconds, _ = o.cfg.Policy.ListenSeconds("")
	r.Outcome = OutcomeBusy
	o.cfg.Metrics.RecordTurn(OutcomeBusy, time.Since(began))
	return r
}

// voice synthesizes text and publishes the audio. Any failure falls back
// to the built-in voice speaking the same text.
func (o *Orchestrator) voice(ctx context.Context, scope *store.Scope, callID string, turnIndex int, profile tenant.Profile, text string) Reply {
	speech, err := o.cfg.Synthesizer.Synthesize(ctx, text, profile.Voice)
	if err != nil {
		o.recovered(ctx, err)
	}
	r := Reply{Speech: speech, Language: profile.Locale, TurnIndex: turnIndex}
	if speech.BuiltIn() {
		return r
	}
	if scope == nil {
		r.Speech = asBuiltin(speech)
		return r
	}

	key := store.NewKey(callID, turnIndex, ".wav")
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	url, err := scope.Put(putCtx, key, speech.Audio, "audio/wav")
	if err != nil {
		o.logger.WarnContext(ctx, "media store failed", "stage", StageMediaStore, "error", err)
		o.cfg.Metrics.RecordRecovered(StageMediaStore)
		r.Speech = asBuiltin(speech)
		return r
	}
	r.AudioURL = url
	r.mediaKey = key
	return r
}

func asBuiltin(s tts.Speech) tts.Speech {
	s.Audio = nil
	s.Provider = "builtin"
	return s
}

// builtin renders text with the platform voice without calling providers.
func (o *Orchestrator) builtin(profile tenant.Profile, text string) Reply {
	spec := o.cfg.Voices.Resolve(profile.Voice)
	return Reply{
		Speech:   tts.Speech{Text: text, SayVoice: spec.SayVoice, SayLanguage: spec.SayLanguage, Provider: "builtin"},
		Language: profile.Locale,
	}
}

func (o *Orchestrator) finish(key string, sess *sessions.Session, scope *store.Scope, r Reply, began time.Time) {
	if r.mediaKey != "" && scope != nil {
		scope.Keep(r.mediaKey)
		sess.MediaKeys = append(sess.MediaKeys, r.mediaKey)
	}
	if key != "" {
		// A replay plays AudioURL; the bytes are already published.
		cached := r
		if cached.AudioURL != "" {
			cached.Speech.Audio = nil
		}
		o.dedupe.Store(key, cached)
	}
	o.cfg.Metrics.RecordTurn(r.Outcome, time.Since(began))
}

func (o *Orchestrator) lookup(key string) (Reply, bool) {
	if key == "" {
		return Reply{}, false
	}
	return o.dedupe.Lookup(key)
}

func (o *Orchestrator) newScope() *store.Scope {
	if o.cfg.Media == nil {
		return nil
	}
	return store.NewScope(o.cfg.Media, o.logger)
}

func (o *Orchestrator) recovered(ctx context.Context, err error) {
	stage := StageOf(err)
	o.cfg.Metrics.RecordRecovered(stage)
	o.logger.WarnContext(ctx, "recovered from pipeline error", "stage", stage, "error", err)
}

func (o *Orchestrator) onEvict(s sessions.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = observability.AddCallID(ctx, s.CallID)

	if o.cfg.Media != nil {
		for _, key := range s.MediaKeys {
			if err := o.cfg.Media.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
				o.logger.WarnContext(ctx, "media cleanup failed", "key", key, "error", err)
			}
		}
	}
	if o.cfg.Archive != nil {
		if err := o.cfg.Archive.Record(ctx, calllog.SummaryFrom(s)); err != nil {
			o.logger.WarnContext(ctx, "call summary not archived", "error", err)
			o.cfg.Metrics.RecordRecovered(StageArchive)
		}
	}
	o.dedupe.RemovePrefix(s.CallID + ":")
	o.cfg.Metrics.SetActiveCalls(o.cfg.Sessions.Len())
}

// historyMessages converts the conversation for the reply generator.
// Leading agent lines are dropped so the model sees the caller first.
func historyMessages(history []sessions.Entry) []reply.Message {
	out := make([]reply.Message, 0, len(history))
	for _, e := range history {
		switch e.Speaker {
		case sessions.SpeakerCaller:
			out = append(out, reply.Message{Role: reply.RoleUser, Content: e.Text})
		case sessions.SpeakerAgent:
			if len(out) == 0 {
				continue
			}
			out = append(out, reply.Message{Role: reply.RoleAssistant, Content: e.Text})
		}
	}
	return out
}
