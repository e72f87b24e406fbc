package escrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"escrowchain/core/events"
	"escrowchain/core/types"
	"escrowchain/crypto"
)

// Observer receives the outcome of every ledger call. It is used to feed
// metrics and must not block.
type Observer interface {
	ObserveOperation(op Operation, err error, elapsed time.Duration)
	ObserveProjectCount(count uint64)
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(Operation, error, time.Duration) {}
func (noopObserver) ObserveProjectCount(uint64)                       {}

// Ledger is the milestone escrow state machine. Every call is serialised
// behind a single mutex; mutations are computed on a private clone of the
// project and committed with one store write, so a rejected or failed call
// leaves stored state untouched.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	emitter  events.Emitter
	logger   *slog.Logger
	observer Observer
	nowFn    func() time.Time
}

// NewLedger creates a ledger backed by store with a no-op emitter and a
// discarding logger.
func NewLedger(store Store) *Ledger {
	if store == nil {
		store = NewMemStore()
	}
	return &Ledger{
		store:    store,
		emitter:  events.NoopEmitter{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: noopObserver{},
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock used to time ledger calls. Passing nil
// restores time.Now.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetLogger configures the structured logger. Passing nil discards logs.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l.logger = logger.With(slog.String("component", "escrow.ledger"))
}

// SetObserver configures the metrics observer. Passing nil disables it.
func (l *Ledger) SetObserver(observer Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if observer == nil {
		observer = noopObserver{}
	}
	l.observer = observer
}

func (l *Ledger) emit(evt *types.Event) {
	if evt == nil {
		return
	}
	l.emitter.Emit(ledgerEvent{evt: evt})
}

// finish records metrics and logs for a completed call. It must be called with
// the mutex held.
func (l *Ledger) finish(op Operation, started time.Time, err error, attrs ...slog.Attr) {
	l.observer.ObserveOperation(op, err, l.nowFn().Sub(started))
	if err == nil {
		return
	}
	if code := CodeOf(err); code != 0 {
		attrs = append(attrs, slog.String("code", code.String()))
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "escrow call rejected", append(attrs, slog.String("op", string(op)), slog.String("error", err.Error()))...)
		return
	}
	l.logger.LogAttrs(context.Background(), slog.LevelError, "escrow call failed", append(attrs, slog.String("op", string(op)), slog.String("error", err.Error()))...)
}

// CreateProject registers a project between client and freelancer with one
// Pending milestone per amount. The caller must be the client.
func (l *Ledger) CreateProject(caller, client, freelancer [20]byte, amounts []*big.Int) (id uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() {
		l.finish(OpCreateProject, started, err, slog.String("caller", crypto.FormatAccount(caller)))
	}()

	if caller == ([20]byte{}) || caller != client {
		return 0, newError(CodeUnauthorized, OpCreateProject, "caller is not the client")
	}
	if client == ([20]byte{}) || freelancer == ([20]byte{}) {
		return 0, newError(CodeInvalidMilestone, OpCreateProject, "client and freelancer must be set")
	}
	if client == freelancer {
		return 0, newError(CodeInvalidMilestone, OpCreateProject, "client and freelancer must differ")
	}
	if len(amounts) == 0 {
		return 0, newError(CodeInvalidMilestone, OpCreateProject, "at least one milestone is required")
	}
	milestones := make([]*Milestone, len(amounts))
	for i, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return 0, newError(CodeInvalidMilestone, OpCreateProject, "milestone %d amount must be positive", i)
		}
		milestones[i] = &Milestone{Amount: new(big.Int).Set(amount), Status: MilestonePending}
	}

	count, err := l.store.ProjectCount()
	if err != nil {
		return 0, fmt.Errorf("escrow: %s: read project count: %w", OpCreateProject, err)
	}
	project := &Project{
		ID:            count + 1,
		Client:        client,
		Freelancer:    freelancer,
		Milestones:    milestones,
		TotalFunded:   big.NewInt(0),
		TotalReleased: big.NewInt(0),
	}
	if err := l.store.ProjectInsert(project); err != nil {
		return 0, fmt.Errorf("escrow: %s: persist project %d: %w", OpCreateProject, project.ID, err)
	}
	l.logger.Info("escrow project created",
		slog.Uint64("projectId", project.ID),
		slog.String("client", crypto.FormatAccount(client)),
		slog.String("freelancer", crypto.FormatAccount(freelancer)),
		slog.Int("milestones", len(milestones)),
		slog.String("totalAmount", project.TotalAmount().String()))
	l.observer.ObserveProjectCount(project.ID)
	l.emit(NewProjectCreatedEvent(project, caller))
	return project.ID, nil
}

// FundMilestone moves a milestone from Pending to Funded and returns the
// amount the client must transfer into custody.
func (l *Ledger) FundMilestone(caller [20]byte, id uint64, index uint32) (amount *big.Int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() { l.finish(OpFundMilestone, started, err, milestoneAttrs(caller, id, index)...) }()

	project, err := l.transition(OpFundMilestone, caller, id, index, RoleClient, MilestonePending, MilestoneFunded, CodeAlreadyFunded)
	if err != nil {
		return nil, err
	}
	amount = cloneBigInt(project.Milestones[index].Amount)
	l.emit(NewMilestoneFundedEvent(project, index, caller))
	return amount, nil
}

// SubmitMilestone moves a Funded milestone to Submitted on behalf of the
// freelancer.
func (l *Ledger) SubmitMilestone(caller [20]byte, id uint64, index uint32) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() { l.finish(OpSubmitMilestone, started, err, milestoneAttrs(caller, id, index)...) }()

	project, err := l.transition(OpSubmitMilestone, caller, id, index, RoleFreelancer, MilestoneFunded, MilestoneSubmitted, CodeNotFunded)
	if err != nil {
		return err
	}
	l.emit(NewMilestoneSubmittedEvent(project, index, caller))
	return nil
}

// ReleaseMilestone moves a Submitted milestone to Released and returns the
// amount owed to the freelancer.
func (l *Ledger) ReleaseMilestone(caller [20]byte, id uint64, index uint32) (amount *big.Int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() { l.finish(OpReleaseMilestone, started, err, milestoneAttrs(caller, id, index)...) }()

	project, err := l.transition(OpReleaseMilestone, caller, id, index, RoleClient, MilestoneSubmitted, MilestoneReleased, CodeNotReleasable)
	if err != nil {
		return nil, err
	}
	amount = cloneBigInt(project.Milestones[index].Amount)
	l.emit(NewMilestoneReleasedEvent(project, index, caller))
	return amount, nil
}

// transition performs the shared load, authorize, compare-and-swap and commit
// sequence. Checks run in the order: project exists, caller role, milestone
// index, milestone status. The committed project is returned.
func (l *Ledger) transition(op Operation, caller [20]byte, id uint64, index uint32, role Role, from, to MilestoneStatus, failCode ErrorCode) (*Project, error) {
	project, err := l.load(op, id)
	if err != nil {
		return nil, err
	}
	if !IsAuthorized(caller, project, role) {
		return nil, newError(CodeUnauthorized, op, "caller is not the project %s", role)
	}
	milestone := project.Milestone(index)
	if milestone == nil {
		return nil, newError(CodeInvalidMilestone, op, "project %d has %d milestones, index %d", id, len(project.Milestones), index)
	}
	if milestone.Status != from {
		return nil, newError(failCode, op, "milestone %d is %s, expected %s", index, milestone.Status, from)
	}

	milestone.Status = to
	switch to {
	case MilestoneFunded:
		project.TotalFunded = new(big.Int).Add(cloneBigInt(project.TotalFunded), milestone.Amount)
	case MilestoneReleased:
		project.TotalReleased = new(big.Int).Add(cloneBigInt(project.TotalReleased), milestone.Amount)
	}
	if err := l.store.ProjectUpdate(project); err != nil {
		return nil, fmt.Errorf("escrow: %s: persist project %d: %w", op, id, err)
	}
	l.logger.Info("escrow milestone transitioned",
		slog.String("op", string(op)),
		slog.Uint64("projectId", id),
		slog.Uint64("milestone", uint64(index)),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("amount", milestone.Amount.String()))
	return project, nil
}

// load fetches a private copy of the project.
func (l *Ledger) load(op Operation, id uint64) (*Project, error) {
	project, ok, err := l.store.ProjectGet(id)
	if err != nil {
		return nil, fmt.Errorf("escrow: %s: load project %d: %w", op, id, err)
	}
	if !ok || project == nil {
		return nil, newError(CodeProjectNotFound, op, "project %d", id)
	}
	return project, nil
}

// Balance returns the amount held in custody: total funded minus total
// released.
func (l *Ledger) Balance(id uint64) (balance *big.Int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() { l.finish(OpGetBalance, started, err, slog.Uint64("projectId", id)) }()

	project, err := l.load(OpGetBalance, id)
	if err != nil {
		return nil, err
	}
	return project.Balance(), nil
}

// Project returns a deep-copied snapshot of the project.
func (l *Ledger) Project(id uint64) (project *Project, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() { l.finish(OpGetProject, started, err, slog.Uint64("projectId", id)) }()

	return l.load(OpGetProject, id)
}

// ProjectCount returns the number of projects ever created.
func (l *Ledger) ProjectCount() (count uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() { l.finish(OpGetProjectCount, started, err) }()

	count, err = l.store.ProjectCount()
	if err != nil {
		return 0, fmt.Errorf("escrow: %s: %w", OpGetProjectCount, err)
	}
	return count, nil
}

// ListProjects returns, ascending, the ids of projects in which account holds
// role. RoleAny matches either party.
func (l *Ledger) ListProjects(account [20]byte, role Role) (ids []uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	started := l.nowFn()
	defer func() { l.finish(OpListProjects, started, err, slog.String("role", role.String())) }()

	if account == ([20]byte{}) {
		return []uint64{}, nil
	}
	candidates, err := l.store.ProjectsByParty(account)
	if err != nil {
		return nil, fmt.Errorf("escrow: %s: %w", OpListProjects, err)
	}
	ids = make([]uint64, 0, len(candidates))
	for _, id := range candidates {
		if role == RoleAny {
			ids = append(ids, id)
			continue
		}
		project, err := l.load(OpListProjects, id)
		if err != nil {
			return nil, err
		}
		if IsAuthorized(account, project, role) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func milestoneAttrs(caller [20]byte, id uint64, index uint32) []slog.Attr {
	return []slog.Attr{
		slog.String("caller", crypto.FormatAccount(caller)),
		slog.Uint64("projectId", id),
		slog.Uint64("milestone", uint64(index)),
	}
}
