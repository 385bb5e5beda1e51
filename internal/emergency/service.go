package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"emergency-orchestrator/internal/metrics"
)

// Scorer obtains a criticality assessment for an incident.
type Scorer interface {
	Assess(ctx context.Context, incident IncidentReport) (CriticalityAssessment, error)
}

// Coordinator issues one dispatch leg for an escalated case. Implementations
// must be idempotent per case id.
type Coordinator interface {
	Request(ctx context.Context, caseID uuid.UUID, incident IncidentReport, assessment CriticalityAssessment) (Acknowledgment, error)
}

// CorridorCoordinator can also stand a corridor down once transport is over.
type CorridorCoordinator interface {
	Coordinator
	Deactivate(ctx context.Context, caseID uuid.UUID) error
}

type EventType string

const (
	EventReceived         EventType = "case.received"
	EventEscalated        EventType = "case.escalated"
	EventStandard         EventType = "case.standard"
	EventCompleted        EventType = "case.completed"
	EventFailed           EventType = "case.failed"
	EventCorridorReleased EventType = "case.corridor_released"
)

// Event is a status change handed to the notifier together with a case snapshot.
type Event struct {
	Type EventType
	Case EmergencyCase
	At   time.Time
}

// Notifier accepts events without blocking. It returns false when the event
// could not be queued.
type Notifier interface {
	Notify(ev Event) bool
}

type Config struct {
	Policy DecisionPolicy

	// DispatchTimeout bounds the whole corridor/hospital fan-out.
	DispatchTimeout    time.Duration
	MaxConflictRetries int

	// StaleAfter is how long a non-terminal case must sit untouched before the
	// recovery sweep resumes it.
	StaleAfter          time.Duration
	RecoveryConcurrency int
}

const (
	defaultDispatchTimeout     = 10 * time.Second
	defaultMaxConflictRetries  = 5
	defaultStaleAfter          = 30 * time.Second
	defaultRecoveryConcurrency = 4
)

// errNoChange lets a mutation skip the write when the case is already as desired.
var errNoChange = errors.New("no change")

type Orchestrator struct {
	repo     Repository
	scorer   Scorer
	corridor CorridorCoordinator
	hospital Coordinator
	notifier Notifier
	cfg      Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	running sync.Map
}

func NewOrchestrator(repo Repository, scorer Scorer, corridor CorridorCoordinator, hospital Coordinator, notifier Notifier, cfg Config) *Orchestrator {
	if cfg.Policy.Threshold == 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.MaxConflictRetries == 0 {
		cfg.MaxConflictRetries = defaultMaxConflictRetries
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.RecoveryConcurrency == 0 {
		cfg.RecoveryConcurrency = defaultRecoveryConcurrency
	}

	// Case work outlives the request that created it.
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:     repo,
		scorer:   scorer,
		corridor: corridor,
		hospital: hospital,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
	}
}

// Submit persists a new case in RECEIVED and returns its id. Scoring and
// dispatch continue in the background.
func (o *Orchestrator) Submit(ctx context.Context, incident IncidentReport) (uuid.UUID, error) {
	if err := incident.Validate(); err != nil {
		return uuid.Nil, err
	}
	now := o.now()
	if incident.ReceivedAt.IsZero() {
		incident.ReceivedAt = now
	}

	c := newCase(incident, now)
	if err := o.repo.Create(ctx, c); err != nil {
		return uuid.Nil, err
	}
	metrics.CasesSubmittedTotal.WithLabelValues(string(incident.Origin)).Inc()
	log.WithFields(log.Fields{
		"case_id":    c.ID,
		"source_ref": incident.SourceRef,
		"origin":     incident.Origin,
	}).Info("case received")

	o.publish(EventReceived, c)
	o.spawn(c.ID)
	return c.ID, nil
}

// GetStatus returns the latest persisted snapshot of a case.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*EmergencyCase, error) {
	return o.repo.GetByID(ctx, id)
}

// ListActive returns every case not yet COMPLETED or FAILED, newest first.
func (o *Orchestrator) ListActive(ctx context.Context) ([]*EmergencyCase, error) {
	return o.repo.ListByState(ctx, ActiveStates()...)
}

// ReleaseCorridor stands down the priority corridor of a completed case.
// Releasing twice is a no-op.
func (o *Orchestrator) ReleaseCorridor(ctx context.Context, id uuid.UUID) (*EmergencyCase, error) {
	c, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.CorridorReleasedAt != nil {
		return c, nil
	}
	if c.State != StateCompleted || c.CorridorStatus != LegAcknowledged {
		return nil, fmt.Errorf("%w: no active corridor for case %s", ErrInvalidTransition, id)
	}
	if err := o.corridor.Deactivate(ctx, id); err != nil {
		return nil, fmt.Errorf("release corridor: %w", err)
	}

	released, err := o.mutate(ctx, id, func(c *EmergencyCase) error {
		if c.CorridorReleasedAt != nil {
			return errNoChange
		}
		t := o.now()
		c.CorridorReleasedAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(EventCorridorReleased, released)
	return released, nil
}

// Close stops accepting background work and waits for running cases. If ctx
// expires first the remaining cases are cancelled and left for recovery.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.stop)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) spawn(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if _, busy := o.running.LoadOrStore(id, struct{}{}); busy {
		return false
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.running.Delete(id)
		o.run(o.ctx, id)
	}()
	return true
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID) {
	if err := o.drive(ctx, id); err != nil {
		log.WithFields(log.Fields{"case_id": id}).WithError(err).Warn("case processing interrupted")
	}
}

// drive advances a case from whatever state it was persisted in until it
// reaches a terminal state. It serves fresh cases and recovered ones alike.
func (o *Orchestrator) drive(ctx context.Context, id uuid.UUID) error {
	c, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	for !c.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch c.State {
		case StateReceived:
			c, err = o.transition(ctx, id, StateReceived, StateScoring)
		case StateScoring:
			c, err = o.score(ctx, c)
		case StateDecided:
			c, err = o.decide(ctx, c)
		case StateDispatching:
			c, err = o.dispatch(ctx, c)
		default:
			return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, c.State)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, from, to State) (*EmergencyCase, error) {
	return o.mutate(ctx, id, func(c *EmergencyCase) error {
		if err := expectState(c, from); err != nil {
			return err
		}
		c.State = to
		return nil
	})
}

func (o *Orchestrator) score(ctx context.Context, c *EmergencyCase) (*EmergencyCase, error) {
	assessment, err := o.scorer.Assess(ctx, c.Incident)
	if err != nil {
		if !errors.Is(err, ErrScoringUnavailable) {
			// Interrupted rather than exhausted; the case stays in SCORING.
			return nil, fmt.Errorf("score case %s: %w", c.ID, err)
		}
		failed, ferr := o.mutate(ctx, c.ID, func(c *EmergencyCase) error {
			if err := expectState(c, StateScoring); err != nil {
				return err
			}
			c.State = StateFailed
			c.FailureReason = err.Error()
			return nil
		})
		if ferr != nil {
			return nil, ferr
		}
		o.finish(failed, EventFailed)
		return failed, nil
	}

	decision := o.cfg.Policy.DecideFor(c.Incident, assessment)
	metrics.DecisionsTotal.WithLabelValues(string(decision)).Inc()

	return o.mutate(ctx, c.ID, func(c *EmergencyCase) error {
		if err := expectState(c, StateScoring); err != nil {
			return err
		}
		a := assessment
		c.Assessment = &a
		c.Decision = decision
		c.State = StateDecided
		return nil
	})
}

func (o *Orchestrator) decide(ctx context.Context, c *EmergencyCase) (*EmergencyCase, error) {
	if c.Decision == DecisionEscalated {
		return o.mutate(ctx, c.ID, func(c *EmergencyCase) error {
			if err := expectState(c, StateDecided); err != nil {
				return err
			}
			c.State = StateDispatching
			c.CorridorStatus = LegInFlight
			c.HospitalStatus = LegInFlight
			c.NotifyStatus = LegInFlight
			return nil
		})
	}

	// Standard cases only go to the notifier.
	status := o.publish(EventStandard, c)
	done, err := o.mutate(ctx, c.ID, func(c *EmergencyCase) error {
		if err := expectState(c, StateDecided); err != nil {
			return err
		}
		c.NotifyStatus = status
		c.State = StateCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.finish(done, EventCompleted)
	return done, nil
}

// dispatch re-issues every leg still IN_FLIGHT, waits for corridor and
// hospital to settle, then completes the case. The notifier leg never gates
// completion: queuing an event does not wait for delivery.
func (o *Orchestrator) dispatch(ctx context.Context, c *EmergencyCase) (*EmergencyCase, error) {
	if c.Assessment == nil {
		return nil, fmt.Errorf("%w: case %s dispatching without assessment", ErrInvalidTransition, c.ID)
	}

	dctx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	defer cancel()

	var g errgroup.Group
	if c.NotifyStatus == LegInFlight {
		g.Go(func() error {
			status := o.publish(EventEscalated, c)
			return o.settleLeg(ctx, c.ID, notifyLeg, status, nil)
		})
	}
	if c.CorridorStatus == LegInFlight {
		g.Go(func() error { return o.runLeg(ctx, dctx, c, corridorLeg, o.corridor) })
	}
	if c.HospitalStatus == LegInFlight {
		g.Go(func() error { return o.runLeg(ctx, dctx, c, hospitalLeg, o.hospital) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	done, err := o.mutate(ctx, c.ID, func(c *EmergencyCase) error {
		if err := expectState(c, StateDispatching); err != nil {
			return err
		}
		if !c.CorridorStatus.Terminal() || !c.HospitalStatus.Terminal() {
			return fmt.Errorf("%w: case %s has unsettled dispatch legs", ErrInvalidTransition, c.ID)
		}
		c.State = StateCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.finish(done, EventCompleted)
	return done, nil
}

type leg string

const (
	corridorLeg leg = "corridor"
	hospitalLeg leg = "hospital"
	notifyLeg   leg = "notify"
)

func (l leg) status(c *EmergencyCase) *LegStatus {
	switch l {
	case corridorLeg:
		return &c.CorridorStatus
	case hospitalLeg:
		return &c.HospitalStatus
	default:
		return &c.NotifyStatus
	}
}

func (o *Orchestrator) runLeg(ctx, dctx context.Context, c *EmergencyCase, l leg, coord Coordinator) error {
	logger := log.WithFields(log.Fields{"case_id": c.ID, "leg": l})

	status := LegAcknowledged
	ack, err := coord.Request(dctx, c.ID, c.Incident, *c.Assessment)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: keep the leg IN_FLIGHT so recovery re-issues it.
			return ctx.Err()
		}
		logger.WithError(err).Warn("dispatch leg failed")
		status = LegFailed
	} else {
		logger.WithField("reference", ack.Reference).Info("dispatch leg acknowledged")
	}
	metrics.DispatchLegTotal.WithLabelValues(string(l), string(status)).Inc()

	var ackp *Acknowledgment
	if err == nil {
		ackp = &ack
	}
	return o.settleLeg(ctx, c.ID, l, status, ackp)
}

func (o *Orchestrator) settleLeg(ctx context.Context, id uuid.UUID, l leg, status LegStatus, ack *Acknowledgment) error {
	_, err := o.mutate(ctx, id, func(c *EmergencyCase) error {
		if err := expectState(c, StateDispatching); err != nil {
			return err
		}
		current := l.status(c)
		if *current != LegInFlight {
			return errNoChange
		}
		*current = status
		switch l {
		case corridorLeg:
			c.CorridorAck = ack
		case hospitalLeg:
			c.HospitalAck = ack
		}
		return nil
	})
	return err
}

// mutate runs a read-compute-write cycle guarded by the case version. Lost
// races are retried from a fresh read up to MaxConflictRetries times.
func (o *Orchestrator) mutate(ctx context.Context, id uuid.UUID, fn func(c *EmergencyCase) error) (*EmergencyCase, error) {
	for attempt := 0; attempt < o.cfg.MaxConflictRetries; attempt++ {
		c, err := o.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		from := c.State

		if err := fn(c); err != nil {
			if errors.Is(err, errNoChange) {
				return c, nil
			}
			return nil, err
		}
		if c.State != from && !from.CanTransitionTo(c.State) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, c.State)
		}
		if err := c.checkInvariants(); err != nil {
			return nil, err
		}

		c.UpdatedAt = o.now()
		err = o.repo.Update(ctx, c, c.Version)
		if err == nil {
			if c.State != from {
				metrics.TransitionsTotal.WithLabelValues(string(c.State)).Inc()
				log.WithFields(log.Fields{
					"case_id": id,
					"from":    from,
					"to":      c.State,
					"version": c.Version,
				}).Info("case transition")
			}
			return c, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		metrics.VersionConflictsTotal.Inc()
	}
	return nil, fmt.Errorf("%w: %s", ErrConflictRetries, id)
}

func expectState(c *EmergencyCase, want State) error {
	if c.State != want {
		return fmt.Errorf("%w: case %s is %s, expected %s", ErrInvalidTransition, c.ID, c.State, want)
	}
	return nil
}

// publish hands an event to the notifier and reports whether it was accepted.
func (o *Orchestrator) publish(t EventType, c *EmergencyCase) LegStatus {
	if o.notifier == nil {
		return LegFailed
	}
	if !o.notifier.Notify(Event{Type: t, Case: *c.Clone(), At: o.now()}) {
		log.WithFields(log.Fields{"case_id": c.ID, "event": t}).Warn("notification dropped")
		return LegFailed
	}
	return LegAcknowledged
}

func (o *Orchestrator) finish(c *EmergencyCase, t EventType) {
	metrics.CaseDurationSeconds.WithLabelValues(string(c.State)).Observe(c.UpdatedAt.Sub(c.CreatedAt).Seconds())
	o.publish(t, c)
}
