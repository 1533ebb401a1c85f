// Package orchestrator runs a coordination session: it starts the agents,
// folds every logged event into the session aggregate, asks the consensus
// engine for a verdict and drives the session through its phases until a
// final answer is promoted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/concord/internal/agent"
	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/eventlog"
	"github.com/kingrea/concord/internal/logbook"
	"github.com/kingrea/concord/internal/session"
	"github.com/kingrea/concord/internal/status"
	"github.com/kingrea/concord/internal/supervisor"
	"github.com/kingrea/concord/internal/workspace"
)

// Restart and cancellation reasons.
const (
	ReasonNewAnswer      = "new_answer"
	ReasonStaleVote      = "stale_vote"
	ReasonRoundResolved  = "round_resolved"
	ReasonInterrupted    = "interrupted"
	ReasonSessionTimeout = "session_timeout"
	ReasonFatal          = "fatal"
	ReasonComplete       = "session_complete"
)

// Final answer sources.
const (
	SourcePresentation  = "presentation"
	SourceWinningAnswer = "winning_answer"
)

// Logger records diagnostic messages.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger injects the diagnostic logger.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithJournal records one line per applied event.
func WithJournal(journal *logbook.Logbook) Option {
	return func(o *Orchestrator) { o.journal = journal }
}

// WithEventLog supplies the log, typically one backed by a file sink.
func WithEventLog(log *eventlog.Log) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithStatusStore persists status records.
func WithStatusStore(store status.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// Result describes a finished session.
type Result struct {
	SessionID string
	Winner    session.Winner
	Final     session.FinalAnswer
	OutputDir string
	Rounds    int
	Status    status.Status
}

// Orchestrator owns one session.
type Orchestrator struct {
	settings Settings
	logger   Logger
	journal  *logbook.Logbook
	store    status.Store

	log      *eventlog.Log
	ws       *workspace.Manager
	session  *session.Session
	sup      *supervisor.Supervisor
	reporter *status.Reporter

	cursor         int64
	winnerSnap     workspace.Snapshot
	finalRequested bool
}

// New validates settings and wires the session components.
func New(settings Settings, opts ...Option) (*Orchestrator, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		settings: settings,
		logger:   nopLogger{},
		session:  session.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.log == nil {
		o.log = eventlog.New(eventlog.WithLogger(o.logger))
	}
	wsOpts := []workspace.Option{workspace.WithContextPaths(settings.Workspace.Contexts...)}
	if settings.PlanningMode {
		wsOpts = append(wsOpts, workspace.WithMutationGate(o.gate))
	}
	ws, err := workspace.NewManager(settings.Workspace.Root, settings.Workspace.Output, wsOpts...)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Err: err}
	}
	o.ws = ws
	o.sup = supervisor.New(o.log, ws,
		supervisor.WithLogger(o.logger),
		supervisor.WithQuestion(settings.Question),
		supervisor.WithSideEffects(o.allowSideEffects),
	)
	for _, a := range settings.Agents {
		if err := o.sup.Add(a.ID, a.Backend, a.Timeout, a.MaxAnswers); err != nil {
			return nil, &ExitError{Code: ExitConfig, Err: err}
		}
	}
	o.reporter = status.NewReporter(o.session, o.store,
		status.WithInterval(settings.StatusInterval),
		status.WithConsensus(settings.Consensus),
		status.WithLogger(o.logger),
	)
	return o, nil
}

// Log exposes the event log to read-only observers.
func (o *Orchestrator) Log() *eventlog.Log { return o.log }

// Session exposes the aggregate to read-only observers.
func (o *Orchestrator) Session() *session.Session { return o.session }

// Reporter exposes the latest status record.
func (o *Orchestrator) Reporter() *status.Reporter { return o.reporter }

func (o *Orchestrator) allowSideEffects(agentID string) bool {
	return !o.settings.PlanningMode || o.session.AllowSideEffects(agentID)
}

// gate vetoes workspace mutations in planning mode for everyone except the
// winner during presentation.
func (o *Orchestrator) gate(agentID string) error {
	if o.allowSideEffects(agentID) {
		return nil
	}
	return fmt.Errorf("%w (agent %s)", workspace.ErrPlanningMode, agentID)
}

// Run executes the session until a final answer is recorded, the context is
// cancelled, the session deadline passes or a fatal error occurs. The
// returned error is an *ExitError.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	runCtx := ctx
	if o.settings.SessionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.settings.SessionTimeout)
		defer cancel()
	}
	notify, unsubscribe := o.log.Subscribe()
	defer unsubscribe()

	if err := o.start(); err != nil {
		return o.shutdown(Result{}, err, ReasonFatal)
	}

	var result Result
	g, gctx := errgroup.WithContext(runCtx)
	reportCtx, stopReports := context.WithCancel(gctx)
	g.Go(func() error {
		return o.reporter.Run(reportCtx)
	})
	g.Go(func() error {
		defer stopReports()
		var err error
		result, err = o.loop(ctx, gctx, notify)
		return err
	})
	err := g.Wait()
	reason := ReasonFatal
	switch ExitCode(err) {
	case ExitResolved:
		reason = ReasonComplete
	case ExitInterrupted:
		reason = ReasonInterrupted
	case ExitTimeout:
		reason = ReasonSessionTimeout
	}
	return o.shutdown(result, err, reason)
}

func (o *Orchestrator) start() error {
	ids := make([]string, 0, len(o.settings.Agents))
	for _, a := range o.settings.Agents {
		ids = append(ids, a.ID)
	}
	started := eventlog.Must(eventlog.TypeSessionStarted, "", 0, eventlog.SessionStartedPayload{
		SessionID: o.settings.SessionID,
		Question:  o.settings.Question,
		Agents:    ids,
		MaxRounds: o.maxRounds(),
	})
	if _, err := o.log.Append(started); err != nil {
		return executionError(err)
	}
	o.logger.Printf("orchestrator: session %s started with %d agents", o.settings.SessionID, len(ids))
	return o.startRound(1)
}

func (o *Orchestrator) maxRounds() int {
	if o.settings.Consensus.MaxRounds > 0 {
		return o.settings.Consensus.MaxRounds
	}
	return consensus.DefaultMaxRounds
}

// startRound opens a round and launches every agent still in the running.
func (o *Orchestrator) startRound(round int) error {
	if _, err := o.log.Append(eventlog.Must(eventlog.TypeRoundStarted, "", round, nil)); err != nil {
		return executionError(err)
	}
	if err := o.drain(); err != nil {
		return err
	}
	st := o.session.Snapshot()
	peers := peersOf(st)
	for _, a := range st.Agents {
		if a.Excluded {
			continue
		}
		if err := o.sup.Start(a.ID, round, peers); err != nil {
			if errors.Is(err, supervisor.ErrRunning) {
				continue
			}
			return executionError(err)
		}
	}
	return nil
}

func (o *Orchestrator) loop(parent, ctx context.Context, notify <-chan struct{}) (Result, error) {
	for {
		done, result, err := o.step()
		if err != nil || done {
			return result, err
		}
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return Result{}, &ExitError{Code: ExitInterrupted, Err: fmt.Errorf("session interrupted: %w", parent.Err())}
			}
			return Result{}, &ExitError{Code: ExitTimeout, Err: fmt.Errorf("session timed out after %s", o.settings.SessionTimeout)}
		case err := <-o.sup.Fatal():
			return Result{}, executionError(err)
		case <-notify:
		}
	}
}

// step folds new events into the session and acts on the result.
func (o *Orchestrator) step() (bool, Result, error) {
	if err := o.drain(); err != nil {
		return false, Result{}, err
	}
	st := o.session.Snapshot()
	switch {
	case st.Final != nil:
		result, err := o.finish(st)
		return true, result, err
	case st.Winner != nil:
		return false, Result{}, nil
	}
	return false, Result{}, o.evaluate(st)
}

// drain applies every event after the cursor, including those appended
// while reacting.
func (o *Orchestrator) drain() error {
	for {
		applied := 0
		for evt := range o.log.ReadFrom(o.cursor + 1) {
			applied++
			out, err := o.session.Apply(evt)
			if err != nil {
				return executionError(fmt.Errorf("apply event %d: %w", evt.Seq, err))
			}
			o.cursor = evt.Seq
			o.journal.Record(evt)
			if err := o.react(evt, out); err != nil {
				return err
			}
		}
		if applied == 0 {
			return nil
		}
	}
}

func (o *Orchestrator) react(evt eventlog.Event, out session.Outcome) error {
	if out.Ignored && evt.Type == eventlog.TypeVote {
		if err := o.ignoreVote(evt, out.IgnoreReason); err != nil {
			return err
		}
	}
	for _, v := range out.Invalidated {
		payload := eventlog.VoteIgnoredPayload{TargetLabel: v.TargetLabel, Reason: session.ReasonNewAnswer, VoteSeq: v.EventSeq}
		if _, err := o.log.Append(eventlog.Must(eventlog.TypeVoteIgnored, v.VoterID, evt.Round, payload)); err != nil {
			return executionError(err)
		}
	}
	if out.PhaseChanged {
		payload := eventlog.PhaseChangePayload{From: string(out.From), To: string(out.To)}
		if _, err := o.log.Append(eventlog.Must(eventlog.TypePhaseChange, "", evt.Round, payload)); err != nil {
			return executionError(err)
		}
	}
	switch evt.Type {
	case eventlog.TypeNewAnswer:
		if !out.Ignored {
			return o.restartPeers(evt)
		}
	case eventlog.TypeError:
		var p eventlog.ErrorPayload
		if err := evt.Decode(&p); err == nil && p.Presentation && (!p.Recoverable || p.Ended) {
			return o.fallbackFinal(evt.Round, "presentation failed: "+p.Message)
		}
	case eventlog.TypeTimeout:
		var p eventlog.TimeoutPayload
		if err := evt.Decode(&p); err == nil && p.Presentation {
			return o.fallbackFinal(evt.Round, "presentation timed out")
		}
	}
	return nil
}

func (o *Orchestrator) ignoreVote(evt eventlog.Event, reason string) error {
	var p eventlog.VotePayload
	_ = evt.Decode(&p)
	payload := eventlog.VoteIgnoredPayload{TargetLabel: p.TargetLabel, Reason: reason, VoteSeq: evt.Seq}
	if _, err := o.log.Append(eventlog.Must(eventlog.TypeVoteIgnored, evt.AgentID, evt.Round, payload)); err != nil {
		return executionError(err)
	}
	switch reason {
	case session.ReasonStaleContext, session.ReasonSuperseded:
		// The voter decided on outdated answers; let it look again unless a
		// newer attempt, started with the current answers, is already running.
		if p.Attempt > 0 && p.Attempt < o.sup.Attempt(evt.AgentID) {
			return nil
		}
		st := o.session.Snapshot()
		if a, ok := st.Agent(evt.AgentID); ok && !a.Excluded && st.Winner == nil {
			if err := o.sup.Restart(evt.AgentID, st.Round, peersOf(st), ReasonStaleVote); err != nil {
				return executionError(err)
			}
		}
	}
	return nil
}

// restartPeers re-invokes every other agent with the new answer in view,
// including agents that timed out earlier in the round. The answering agent
// is restarted too when a newer attempt of its own is already running, since
// that attempt was started without this answer; an idle answerer only
// observes the update.
func (o *Orchestrator) restartPeers(evt eventlog.Event) error {
	st := o.session.Snapshot()
	peers := peersOf(st)
	for _, a := range st.Agents {
		if a.Excluded {
			continue
		}
		if a.ID == evt.AgentID && !o.sup.Running(a.ID) {
			o.sup.Observe(a.ID, peers)
			continue
		}
		if err := o.sup.Restart(a.ID, st.Round, peers, ReasonNewAnswer); err != nil {
			return executionError(err)
		}
	}
	return nil
}

func (o *Orchestrator) evaluate(st session.State) error {
	eligible := 0
	for _, a := range st.Agents {
		if !a.Excluded {
			eligible++
		}
	}
	d := consensus.Evaluate(o.settings.Consensus, st.ConsensusView(eligible == 0))
	if d.Resolved {
		return o.resolve(st, d)
	}
	if !st.RoundComplete() {
		return nil
	}
	if eligible == 0 {
		return executionError(errors.New("every agent failed; no answer can be selected"))
	}
	if st.Round >= o.maxRounds() {
		return executionError(fmt.Errorf("no eligible answer after %d rounds", st.Round))
	}
	o.logger.Printf("orchestrator: round %d ended without consensus", st.Round)
	return o.startRound(st.Round + 1)
}

func (o *Orchestrator) resolve(st session.State, d consensus.Decision) error {
	payload := eventlog.RoundResolvedPayload{
		WinnerAgentID: d.Winner.AgentID,
		WinnerLabel:   d.Winner.Label,
		Method:        string(d.Method),
		Tally:         d.Tally,
	}
	if _, err := o.log.Append(eventlog.Must(eventlog.TypeRoundResolved, "", st.Round, payload)); err != nil {
		return executionError(err)
	}
	o.logger.Printf("orchestrator: round %d resolved by %s; winner %s", st.Round, d.Method, d.Winner.Label)
	if err := o.sup.StopAll(st.Round, ReasonRoundResolved); err != nil {
		return executionError(err)
	}
	if err := o.drain(); err != nil {
		return err
	}
	ans, ok := st.Answer(d.Winner.Label)
	if !ok {
		return executionError(fmt.Errorf("winning answer %s is not recorded", d.Winner.Label))
	}
	o.winnerSnap = workspace.Snapshot{
		AgentID:  ans.AgentID,
		Round:    ans.Round,
		Sequence: ans.Sequence,
		Path:     ans.Snapshot,
		Digest:   ans.Digest,
	}
	handle, err := o.ws.Restore(ans.AgentID, o.winnerSnap)
	if err != nil {
		return executionError(err)
	}
	winner := agent.PeerAnswer{AgentID: ans.AgentID, Label: ans.Label, Content: ans.Content}
	if err := o.sup.Present(ans.AgentID, st.Round, peersOf(o.session.Snapshot()), winner, handle); err != nil {
		return executionError(err)
	}
	return nil
}

// fallbackFinal records the winning answer itself when presentation fails.
func (o *Orchestrator) fallbackFinal(round int, why string) error {
	if o.finalRequested {
		return nil
	}
	st := o.session.Snapshot()
	if st.Winner == nil || st.Final != nil {
		return nil
	}
	ans, ok := st.Answer(st.Winner.Label)
	if !ok {
		return executionError(fmt.Errorf("winning answer %s is not recorded", st.Winner.Label))
	}
	o.finalRequested = true
	o.logger.Printf("orchestrator: %s; using winning answer %s", why, ans.Label)
	payload := eventlog.FinalAnswerPayload{
		Label:    ans.Label,
		Content:  ans.Content,
		Snapshot: ans.Snapshot,
		Source:   SourceWinningAnswer,
	}
	if _, err := o.log.Append(eventlog.Must(eventlog.TypeFinalAnswer, ans.AgentID, round, payload)); err != nil {
		return executionError(err)
	}
	return nil
}

// finish promotes the final workspace.
func (o *Orchestrator) finish(st session.State) (Result, error) {
	result := Result{
		SessionID: st.ID,
		Winner:    *st.Winner,
		Final:     *st.Final,
		Rounds:    st.Round,
	}
	snap := o.winnerSnap
	if st.Final.Source == SourcePresentation && st.Final.Snapshot != "" {
		snap = workspace.Snapshot{AgentID: st.Final.AgentID, Round: st.Round, Path: st.Final.Snapshot}
	}
	if snap.Path == "" {
		o.logger.Printf("orchestrator: winner %s has no snapshot; nothing to promote", st.Winner.AgentID)
		return result, nil
	}
	out, err := o.ws.Promote(st.Winner.AgentID, snap)
	if err != nil {
		return result, executionError(err)
	}
	result.OutputDir = out
	o.logger.Printf("orchestrator: promoted %s to %s", snap.Path, out)
	return result, nil
}

// shutdown stops agents, folds their final events, writes the last status
// record and the session manifest.
func (o *Orchestrator) shutdown(result Result, runErr error, reason string) (Result, error) {
	round := o.session.Snapshot().Round
	if err := o.sup.StopAll(round, reason); err != nil && runErr == nil {
		runErr = executionError(err)
	}
	o.sup.Close()
	if err := o.drain(); err != nil && runErr == nil {
		runErr = err
	}
	final, err := o.reporter.Flush()
	if err != nil {
		o.logger.Printf("orchestrator: final status write failed: %v", err)
	}
	result.Status = final
	if result.SessionID == "" {
		result.SessionID = o.settings.SessionID
	}
	if err := o.persistManifest(result, runErr); err != nil {
		o.logger.Printf("orchestrator: manifest write failed: %v", err)
	}
	if runErr != nil {
		o.logger.Printf("orchestrator: session %s ended: %v", o.settings.SessionID, runErr)
		o.journal.Error("session ended: %v", runErr)
		return result, runErr
	}
	o.journal.Info("session %s resolved: %s wins after %d round(s)", result.SessionID, result.Winner.Label, result.Rounds)
	return result, nil
}

func peersOf(st session.State) agent.PeerState {
	var peers agent.PeerState
	for _, ans := range st.CurrentAnswers() {
		peers.Answers = append(peers.Answers, agent.PeerAnswer{AgentID: ans.AgentID, Label: ans.Label, Content: ans.Content})
	}
	for _, v := range st.CurrentVotes() {
		peers.Votes = append(peers.Votes, agent.PeerVote{VoterID: v.VoterID, TargetLabel: v.TargetLabel})
	}
	return peers
}

func elapsed(start time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	return time.Since(start).Round(time.Millisecond)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
