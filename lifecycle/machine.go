package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/metrics"
	"golang.org/x/sync/errgroup"
)

// AdapterSource resolves the adapter serving a provider kind.
type AdapterSource interface {
	Get(ctx context.Context, kind interfaces.ProviderKind) (interfaces.ProviderAdapter, error)
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Machine drives Instance records through their lifecycle. All state lives in
// the inventory store; the Machine only tracks in-process workers.
type Machine struct {
	store    interfaces.InventoryStore
	adapters AdapterSource
	verifier interfaces.EvidenceVerifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	workers map[interfaces.InstanceID]*worker
}

// NewMachine creates a state machine. m may be nil.
func NewMachine(store interfaces.InventoryStore, adapters AdapterSource, verifier interfaces.EvidenceVerifier, m *metrics.Metrics, log *slog.Logger, cfg Config) *Machine {
	return &Machine{
		store:    store,
		adapters: adapters,
		verifier: verifier,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		workers:  make(map[interfaces.InstanceID]*worker),
	}
}

// WithClock overrides the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Create validates spec and stores a Requested record. It does not contact
// the provider; call Advance or Drive for that.
func (m *Machine) Create(ctx context.Context, kind interfaces.ProviderKind, spec interfaces.InstanceSpec) (*interfaces.Instance, error) {
	if _, err := interfaces.ParseProviderKind(string(kind)); err != nil {
		return nil, interfaces.NewLifecycleError("", "", interfaces.Rejected(kind, "create", err))
	}
	if err := validateSpec(&spec); err != nil {
		return nil, interfaces.NewLifecycleError("", "", interfaces.Rejected(kind, "create", err))
	}
	if _, err := m.adapters.Get(ctx, kind); err != nil {
		return nil, interfaces.NewLifecycleError("", "", err)
	}

	now := m.now()
	inst := &interfaces.Instance{
		ID:             interfaces.NewInstanceID(),
		Provider:       kind,
		Region:         spec.Region,
		Spec:           spec,
		State:          interfaces.StateRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
		StateEnteredAt: now,
	}
	if err := m.store.Create(ctx, inst); err != nil {
		return nil, interfaces.NewLifecycleError(inst.ID, inst.State, err)
	}

	m.metrics.ObserveTransition(kind.String(), "", inst.State.String())
	m.log.Info("Instance requested",
		slog.String("instance", inst.ID.String()),
		slog.String("provider", kind.String()),
		slog.String("machine_type", spec.MachineType),
		slog.Bool("cvm", spec.CVM))
	return inst, nil
}

func validateSpec(spec *interfaces.InstanceSpec) error {
	spec.Image = strings.TrimSpace(spec.Image)
	spec.MachineType = strings.TrimSpace(spec.MachineType)
	if spec.Image == "" {
		return errors.New("image is required")
	}
	if spec.MachineType == "" {
		return errors.New("machine type is required")
	}
	if !spec.CVM {
		spec.CVMType = ""
		if spec.RequireCVM {
			return errors.New("require-cvm conflicts with a non-CVM request")
		}
		return nil
	}
	t, err := interfaces.ParseCVMType(string(spec.CVMType))
	if err != nil {
		return err
	}
	spec.CVMType = t
	return nil
}

// Get returns the record of id.
func (m *Machine) Get(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	return m.store.Get(ctx, id)
}

// List returns the inventory and refreshes the instance gauge.
func (m *Machine) List(ctx context.Context, includeArchived bool) ([]*interfaces.Instance, error) {
	insts, err := m.store.List(ctx, includeArchived)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]map[string]int)
	for _, inst := range insts {
		if inst.ArchivedAt != nil {
			continue
		}
		if counts[inst.Provider.String()] == nil {
			counts[inst.Provider.String()] = make(map[string]int)
		}
		counts[inst.Provider.String()][inst.State.String()]++
	}
	m.metrics.ObserveInventory(counts)
	return insts, nil
}

// Evidence returns the evidence history of id.
func (m *Machine) Evidence(ctx context.Context, id interfaces.InstanceID) ([]*interfaces.EvidenceRecord, error) {
	return m.store.Evidence(ctx, id)
}

// Advance runs at most one step of the instance's lifecycle.
func (m *Machine) Advance(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.State.IsStable() {
		if _, _, err := m.step(ctx, inst); err != nil && !errors.Is(err, interfaces.ErrStateConflict) {
			return inst, interfaces.NewLifecycleError(id, inst.State, err)
		}
		if inst, err = m.store.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return m.result(ctx, inst)
}

// Drive advances the instance until it reaches Running, Failed or Terminated.
// If another Drive is in progress for the same instance it waits for it.
func (m *Machine) Drive(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	workCtx, release, other := m.acquire(ctx, id)
	if other != nil {
		select {
		case <-other:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		inst, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !inst.State.IsStable() {
			return m.Drive(ctx, id)
		}
		return m.result(ctx, inst)
	}
	defer release()

	for {
		if err := workCtx.Err(); err != nil {
			return nil, err
		}
		inst, err := m.store.Get(workCtx, id)
		if err != nil {
			return nil, err
		}
		if inst.State.IsStable() {
			return m.result(workCtx, inst)
		}

		_, delay, err := m.step(workCtx, inst)
		if errors.Is(err, interfaces.ErrStateConflict) {
			m.log.Debug("Discarding stale step result",
				slog.String("instance", id.String()),
				slog.String("state", inst.State.String()))
			continue
		}
		if err != nil {
			if cerr := workCtx.Err(); cerr != nil {
				return inst, cerr
			}
			return inst, interfaces.NewLifecycleError(id, inst.State, err)
		}
		if delay > 0 {
			if err := sleep(workCtx, delay); err != nil {
				return inst, err
			}
		}
	}
}

// DriveAll resumes every non-stable instance, one worker per instance.
func (m *Machine) DriveAll(ctx context.Context) error {
	insts, err := m.store.List(ctx, false)
	if err != nil {
		return err
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if m.cfg.Workers > 0 {
		g.SetLimit(m.cfg.Workers)
	}
	for _, inst := range insts {
		if inst.State.IsStable() && inst.State != interfaces.StateTerminated {
			continue
		}
		id := inst.ID
		g.Go(func() error {
			if _, err := m.Drive(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("Reconciled instances", slog.Int("instances", len(insts)), slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Destroy moves the instance to Terminating and drives it to Terminated.
// Destroying a Terminated instance is a no-op.
func (m *Machine) Destroy(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State == interfaces.StateTerminated || inst.ArchivedAt != nil {
		return inst, nil
	}

	// Stop any in-process worker before the record leaves its state.
	m.stopWorker(id)

	var from interfaces.State
	inst, err = m.store.Update(ctx, id, func(i *interfaces.Instance) error {
		from = i.State
		i.DestroyRequested = true
		if i.State == interfaces.StateTerminating {
			return nil
		}
		if err := interfaces.CheckTransition(i.State, interfaces.StateTerminating); err != nil {
			return err
		}
		i.Attempts.Destroy = 0
		i.SetState(interfaces.StateTerminating, m.now())
		return nil
	})
	if errors.Is(err, interfaces.ErrInstanceArchived) {
		return m.store.Get(ctx, id)
	}
	if err != nil {
		return nil, interfaces.NewLifecycleError(id, from, err)
	}
	if from != interfaces.StateTerminating {
		m.observeTransition(inst, from)
	}
	return m.Drive(ctx, id)
}

// Verify starts an operator-triggered attestation round on a Running
// instance, or on a Failed instance that still has a provider resource.
func (m *Machine) Verify(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.openRound(ctx, inst, func(i *interfaces.Instance) error {
		switch {
		case i.State == interfaces.StateRunning:
		case i.State == interfaces.StateFailed && i.Handle != nil:
		default:
			return fmt.Errorf("%w: cannot verify instance in state %s", interfaces.ErrInvalidTransition, i.State)
		}
		return nil
	}); err != nil {
		return inst, interfaces.NewLifecycleError(id, inst.State, err)
	}
	return m.Drive(ctx, id)
}

// Retry resumes a Failed instance. Without a provider resource it starts over
// from Requested, otherwise it opens a new attestation round.
func (m *Machine) Retry(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != interfaces.StateFailed {
		return inst, interfaces.NewLifecycleError(id, inst.State,
			fmt.Errorf("%w: only failed instances can be retried", interfaces.ErrInvalidTransition))
	}

	if inst.Handle != nil {
		if _, err := m.openRound(ctx, inst, func(i *interfaces.Instance) error {
			if i.State != interfaces.StateFailed {
				return fmt.Errorf("%w: expected %s, found %s", interfaces.ErrStateConflict, interfaces.StateFailed, i.State)
			}
			return nil
		}); err != nil {
			return inst, interfaces.NewLifecycleError(id, inst.State, err)
		}
		return m.Drive(ctx, id)
	}

	if _, err := m.transition(ctx, id, interfaces.StateFailed, interfaces.StateRequested, func(i *interfaces.Instance) error {
		i.Attempts = interfaces.Attempts{}
		return nil
	}); err != nil {
		return inst, interfaces.NewLifecycleError(id, inst.State, err)
	}
	return m.Drive(ctx, id)
}

// SubmitEvidence applies externally collected evidence. Inside an open
// attestation round it is handled like fetched evidence. Otherwise it is
// verified against the closed round, recorded, and never changes the state.
func (m *Machine) SubmitEvidence(ctx context.Context, id interfaces.InstanceID, ev *interfaces.AttestationEvidence) (*interfaces.Instance, error) {
	if ev == nil {
		return nil, errors.New("no evidence submitted")
	}
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if inst.State == interfaces.StateAttestationPending {
		if _, _, err := m.applyEvidence(ctx, inst, ev); err != nil {
			return inst, interfaces.NewLifecycleError(id, inst.State, err)
		}
		return m.Drive(ctx, id)
	}

	closed := inst.Challenge.Clone()
	if closed != nil {
		closed.Consumed = true
	}
	prepareEvidence(inst, ev, m.now())
	result := m.verify(inst, ev, closed)
	if result.Verified() {
		result = interfaces.VerificationResult{
			Verdict: interfaces.VerdictRejected,
			Reason:  interfaces.ReasonReplayDetected,
			Detail:  "no open attestation round",
		}
	}
	m.metrics.ObserveVerification(inst.Provider.String(), string(result.Verdict), string(result.Reason))
	if _, err := m.store.AppendEvidence(ctx, id, &interfaces.EvidenceRecord{
		Evidence:   *ev,
		Result:     result,
		RecordedAt: m.now(),
	}); err != nil {
		return inst, interfaces.NewLifecycleError(id, inst.State, err)
	}

	m.log.Warn("Rejected evidence outside of an attestation round",
		slog.String("instance", id.String()),
		slog.String("state", inst.State.String()),
		slog.String("reason", string(result.Reason)))
	return inst, interfaces.NewLifecycleError(id, inst.State, result.Err())
}

// result converts a stable record into the caller's outcome.
func (m *Machine) result(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, error) {
	switch inst.State {
	case interfaces.StateTerminated:
		if inst.ArchivedAt == nil {
			if err := m.store.Archive(ctx, inst.ID); err != nil {
				m.log.Warn("Failed to archive terminated instance", slog.String("instance", inst.ID.String()), "err", err)
			}
			if archived, err := m.store.Get(ctx, inst.ID); err == nil {
				inst = archived
			}
		}
		return inst, nil
	case interfaces.StateFailed:
		return inst, failureOf(inst)
	}
	return inst, nil
}

func failureOf(inst *interfaces.Instance) error {
	le := &interfaces.LifecycleError{
		Kind:       interfaces.KindInternal,
		InstanceID: inst.ID,
		State:      inst.State,
		Err:        errors.New("instance failed"),
	}
	if rec := inst.LastError; rec != nil {
		le.Kind = rec.Kind
		le.Reason = rec.Reason
		le.Err = errors.New(rec.Message)
		if rec.State != "" {
			le.State = rec.State
		}
	}
	return le
}

func (m *Machine) acquire(ctx context.Context, id interfaces.InstanceID) (context.Context, func(), <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[id]; ok {
		return nil, nil, w.done
	}
	workCtx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	m.workers[id] = w
	return workCtx, func() {
		cancel()
		m.mu.Lock()
		if m.workers[id] == w {
			delete(m.workers, id)
		}
		m.mu.Unlock()
		close(w.done)
	}, nil
}

// stopWorker cancels an in-process worker of id and waits for it to exit.
func (m *Machine) stopWorker(id interfaces.InstanceID) {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
