package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
)

// step performs one unit of work for inst and returns how long the caller
// should wait before the next one. Provider failures become Failed records;
// the returned error is reserved for store failures, cancellation and
// ErrStateConflict.
func (m *Machine) step(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, time.Duration, error) {
	switch inst.State {
	case interfaces.StateRequested:
		return m.stepCreate(ctx, inst)
	case interfaces.StateProvisioning:
		return m.stepProvision(ctx, inst)
	case interfaces.StateBooting:
		next, err := m.openRound(ctx, inst, expectState(interfaces.StateBooting))
		return next, 0, err
	case interfaces.StateAttestationPending:
		return m.stepAttest(ctx, inst)
	case interfaces.StateVerified:
		return m.stepVerified(ctx, inst)
	case interfaces.StateTerminating:
		return m.stepTerminate(ctx, inst)
	}
	return inst, 0, nil
}

func (m *Machine) stepCreate(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, time.Duration, error) {
	adapter, err := m.adapters.Get(ctx, inst.Provider)
	if err != nil {
		return m.fail(ctx, inst, err)
	}
	if _, err := m.update(ctx, inst.ID, interfaces.StateRequested, func(i *interfaces.Instance) error {
		i.Attempts.Create++
		return nil
	}); err != nil {
		return nil, 0, err
	}

	// A launched resource must always end up in the record, even when the
	// worker is cancelled by a concurrent destroy.
	persistCtx := context.WithoutCancel(ctx)
	handle, err := call(persistCtx, m, inst.Provider, "create", m.cfg.timeouts(inst.Provider).Create,
		func(ctx context.Context) (*interfaces.ProviderHandle, error) {
			return adapter.Create(ctx, inst.ID, inst.Spec)
		})
	if err != nil {
		return m.fail(persistCtx, inst, err)
	}

	next, err := m.transition(persistCtx, inst.ID, interfaces.StateRequested, interfaces.StateProvisioning, func(i *interfaces.Instance) error {
		i.Handle = handle
		i.Attempts.Poll = 0
		i.LastError = nil
		return nil
	})
	if errors.Is(err, interfaces.ErrStateConflict) {
		if _, uerr := m.store.Update(persistCtx, inst.ID, func(i *interfaces.Instance) error {
			if i.Handle != nil {
				return nil
			}
			i.Handle = handle
			return nil
		}); uerr != nil {
			m.log.Error("Failed to record provider handle", slog.String("instance", inst.ID.String()),
				slog.String("resource", handle.ResourceID), "err", uerr)
		}
	}
	return next, 0, err
}

func (m *Machine) stepProvision(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, time.Duration, error) {
	if inst.Handle == nil {
		return m.fail(ctx, inst, errors.New("provisioning without a provider handle"))
	}
	if m.cfg.MaxPolls > 0 && inst.Attempts.Poll >= m.cfg.MaxPolls {
		return m.fail(ctx, inst, interfaces.Unavailable(inst.Provider, "poll",
			fmt.Errorf("resource not running after %d polls", inst.Attempts.Poll)))
	}
	adapter, err := m.adapters.Get(ctx, inst.Provider)
	if err != nil {
		return m.fail(ctx, inst, err)
	}

	status, err := call(ctx, m, inst.Provider, "poll", m.cfg.timeouts(inst.Provider).Poll,
		func(ctx context.Context) (interfaces.ProviderStatus, error) {
			return adapter.Poll(ctx, inst.Handle)
		})
	now := m.now()
	if err != nil {
		if !interfaces.IsRetryable(err) || ctx.Err() != nil {
			return m.fail(ctx, inst, err)
		}
		next, err := m.update(ctx, inst.ID, interfaces.StateProvisioning, func(i *interfaces.Instance) error {
			i.Attempts.Poll++
			i.LastPolledAt = &now
			i.RecordError(err, now)
			return nil
		})
		return next, m.cfg.PollInterval, err
	}

	switch status.State {
	case interfaces.ProviderRunning:
		next, err := m.transition(ctx, inst.ID, interfaces.StateProvisioning, interfaces.StateBooting, func(i *interfaces.Instance) error {
			if status.Address != "" {
				i.Handle.Address = status.Address
			}
			i.LastPolledAt = &now
			i.LastError = nil
			return nil
		})
		return next, 0, err
	case interfaces.ProviderPending:
		next, err := m.update(ctx, inst.ID, interfaces.StateProvisioning, func(i *interfaces.Instance) error {
			i.Attempts.Poll++
			i.LastPolledAt = &now
			return nil
		})
		return next, m.cfg.PollInterval, err
	}
	return m.fail(ctx, inst, interfaces.Rejected(inst.Provider, "poll",
		fmt.Errorf("resource is %s: %s", status.State, status.Detail)))
}

// openRound moves the instance to AttestationPending with a fresh challenge.
func (m *Machine) openRound(ctx context.Context, inst *interfaces.Instance, guard func(i *interfaces.Instance) error) (*interfaces.Instance, error) {
	nonce, err := cryptoutils.NewNonce()
	if err != nil {
		return nil, err
	}
	now := m.now()
	from := inst.State
	next, err := m.store.Update(ctx, inst.ID, func(i *interfaces.Instance) error {
		if err := guard(i); err != nil {
			return err
		}
		if err := interfaces.CheckTransition(i.State, interfaces.StateAttestationPending); err != nil {
			return err
		}
		from = i.State
		i.Challenge = &interfaces.Challenge{Nonce: nonce, IssuedAt: now}
		i.Attempts.Evidence = 0
		i.SetState(interfaces.StateAttestationPending, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.observeTransition(next, from)
	return next, nil
}

func (m *Machine) stepAttest(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, time.Duration, error) {
	if inst.Handle == nil {
		return m.fail(ctx, inst, errors.New("attestation without a provider handle"))
	}
	if inst.Challenge == nil {
		return m.fail(ctx, inst, errors.New("attestation round has no challenge"))
	}
	if inst.Challenge.Consumed {
		return m.finishRound(ctx, inst)
	}
	if inst.Attempts.Evidence >= m.cfg.EvidenceAttempts {
		return m.fail(ctx, inst, &interfaces.AttestationTimeoutError{Attempts: inst.Attempts.Evidence, Last: lastError(inst)})
	}
	adapter, err := m.adapters.Get(ctx, inst.Provider)
	if err != nil {
		return m.fail(ctx, inst, err)
	}

	nonce := inst.Challenge.Nonce
	cur, err := m.update(ctx, inst.ID, interfaces.StateAttestationPending, func(i *interfaces.Instance) error {
		if i.Challenge == nil || !bytes.Equal(i.Challenge.Nonce, nonce) {
			return fmt.Errorf("%w: attestation round replaced", interfaces.ErrStateConflict)
		}
		i.Attempts.Evidence++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	ev, err := call(ctx, m, inst.Provider, "fetch_evidence", m.cfg.timeouts(inst.Provider).FetchEvidence,
		func(ctx context.Context) (*interfaces.AttestationEvidence, error) {
			return adapter.FetchEvidence(ctx, cur.Handle, nonce)
		})
	if err == nil {
		return m.applyEvidence(ctx, cur, ev)
	}
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}
	if !errors.Is(err, interfaces.ErrEvidenceNotReady) && !interfaces.IsRetryable(err) {
		return m.fail(ctx, cur, err)
	}
	if cur.Attempts.Evidence >= m.cfg.EvidenceAttempts {
		return m.fail(ctx, cur, &interfaces.AttestationTimeoutError{Attempts: cur.Attempts.Evidence, Last: err})
	}

	now := m.now()
	next, uerr := m.update(ctx, inst.ID, interfaces.StateAttestationPending, func(i *interfaces.Instance) error {
		i.RecordError(err, now)
		return nil
	})
	delay := m.cfg.evidenceDelay(cur.Attempts.Evidence)
	m.log.Debug("Attestation evidence not available yet",
		slog.String("instance", inst.ID.String()),
		slog.Int("attempt", cur.Attempts.Evidence),
		slog.Duration("backoff", delay),
		"err", err)
	return next, delay, uerr
}

// applyEvidence verifies ev against the open round under the instance lock,
// records it, and completes the round if ev consumed the challenge.
func (m *Machine) applyEvidence(ctx context.Context, inst *interfaces.Instance, ev *interfaces.AttestationEvidence) (*interfaces.Instance, time.Duration, error) {
	now := m.now()
	prepareEvidence(inst, ev, now)

	var (
		result  interfaces.VerificationResult
		claimed bool
	)
	cur, err := m.update(ctx, inst.ID, interfaces.StateAttestationPending, func(i *interfaces.Instance) error {
		claimed = false
		result = m.verify(i, ev, i.Challenge)
		if i.Challenge == nil || i.Challenge.Consumed {
			return nil
		}
		i.Challenge.Consumed = true
		i.Challenge.ConsumedAt = &now
		i.EvidenceID = ev.ID.String()
		i.Verdict = result.Verdict
		claimed = true
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	m.metrics.ObserveVerification(inst.Provider.String(), string(result.Verdict), string(result.Reason))

	if _, err := m.store.AppendEvidence(ctx, inst.ID, &interfaces.EvidenceRecord{
		Evidence:   *ev,
		Result:     result,
		RecordedAt: now,
	}); err != nil {
		return nil, 0, err
	}
	if !claimed {
		m.log.Warn("Evidence arrived for a closed attestation round",
			slog.String("instance", inst.ID.String()),
			slog.String("evidence", ev.ID.String()),
			slog.String("reason", string(result.Reason)))
		cause := result.Err()
		if cause == nil {
			cause = errors.New("attestation round already closed")
		}
		return cur, 0, fmt.Errorf("%w: %w", interfaces.ErrStateConflict, cause)
	}
	return m.finishRound(ctx, cur)
}

// finishRound applies the verdict of the evidence that consumed the open
// challenge.
func (m *Machine) finishRound(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, time.Duration, error) {
	rec, err := m.roundEvidence(ctx, inst)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		// The evidence record is still being written, or was lost.
		if inst.Attempts.Evidence >= m.cfg.EvidenceAttempts {
			return m.fail(ctx, inst, &interfaces.AttestationTimeoutError{
				Attempts: inst.Attempts.Evidence,
				Last:     errors.New("consumed challenge has no evidence record"),
			})
		}
		next, err := m.update(ctx, inst.ID, interfaces.StateAttestationPending, func(i *interfaces.Instance) error {
			i.Attempts.Evidence++
			return nil
		})
		return next, m.cfg.evidenceDelay(inst.Attempts.Evidence), err
	}

	evidenceID := inst.EvidenceID
	sameRound := func(i *interfaces.Instance) error {
		if i.EvidenceID != evidenceID || i.Challenge == nil || !i.Challenge.Consumed {
			return fmt.Errorf("%w: attestation round replaced", interfaces.ErrStateConflict)
		}
		return nil
	}

	switch rec.Result.Verdict {
	case interfaces.VerdictVerified:
		next, err := m.transition(ctx, inst.ID, interfaces.StateAttestationPending, interfaces.StateVerified, func(i *interfaces.Instance) error {
			if err := sameRound(i); err != nil {
				return err
			}
			i.Attested = true
			i.LastError = nil
			return nil
		})
		if err == nil {
			m.log.Info("Attestation verified",
				slog.String("instance", inst.ID.String()),
				slog.String("evidence", evidenceID),
				slog.String("measurement", rec.Evidence.Measurement))
		}
		return next, 0, err
	case interfaces.VerdictUnattested:
		next, err := m.transition(ctx, inst.ID, interfaces.StateAttestationPending, interfaces.StateRunning, func(i *interfaces.Instance) error {
			if err := sameRound(i); err != nil {
				return err
			}
			i.Attested = false
			i.LastError = nil
			return nil
		})
		if err == nil {
			m.log.Warn("Instance running without hardware attestation",
				slog.String("instance", inst.ID.String()),
				slog.String("evidence", evidenceID))
		}
		return next, 0, err
	}

	cause := rec.Result.Err()
	if cause == nil {
		cause = &interfaces.AttestationError{Reason: interfaces.ReasonChainInvalid, Detail: "unknown verdict"}
	}
	return m.fail(ctx, inst, cause)
}

// roundEvidence returns the record of the evidence that consumed inst's
// challenge, or nil.
func (m *Machine) roundEvidence(ctx context.Context, inst *interfaces.Instance) (*interfaces.EvidenceRecord, error) {
	recs, err := m.store.Evidence(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.Evidence.ID.String() == inst.EvidenceID && r.Result.Verdict == inst.Verdict {
			return r, nil
		}
	}
	return nil, nil
}

func (m *Machine) stepVerified(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, time.Duration, error) {
	recs, err := m.store.Evidence(ctx, inst.ID)
	if err != nil {
		return nil, 0, err
	}
	var verified *interfaces.EvidenceRecord
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Evidence.ID.String() == inst.EvidenceID && recs[i].Result.Verified() {
			verified = recs[i]
			break
		}
	}
	if verified == nil {
		return m.fail(ctx, inst, fmt.Errorf("no verified evidence record for %s", inst.EvidenceID))
	}

	evidenceID := inst.EvidenceID
	next, err := m.transition(ctx, inst.ID, interfaces.StateVerified, interfaces.StateRunning, func(i *interfaces.Instance) error {
		if i.EvidenceID != evidenceID {
			return fmt.Errorf("%w: evidence replaced", interfaces.ErrStateConflict)
		}
		return nil
	})
	return next, 0, err
}

func (m *Machine) stepTerminate(ctx context.Context, inst *interfaces.Instance) (*interfaces.Instance, time.Duration, error) {
	if inst.Handle == nil {
		next, err := m.transition(ctx, inst.ID, interfaces.StateTerminating, interfaces.StateTerminated, nil)
		return next, 0, err
	}
	if m.cfg.DestroyAttempts > 0 && inst.Attempts.Destroy >= m.cfg.DestroyAttempts {
		return m.fail(ctx, inst, interfaces.Unavailable(inst.Provider, "destroy",
			fmt.Errorf("resource still present after %d attempts", inst.Attempts.Destroy)))
	}
	adapter, err := m.adapters.Get(ctx, inst.Provider)
	if err != nil {
		return m.fail(ctx, inst, err)
	}
	if _, err := m.update(ctx, inst.ID, interfaces.StateTerminating, func(i *interfaces.Instance) error {
		i.Attempts.Destroy++
		return nil
	}); err != nil {
		return nil, 0, err
	}

	timeouts := m.cfg.timeouts(inst.Provider)
	_, err = call(ctx, m, inst.Provider, "destroy", timeouts.Destroy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, adapter.Destroy(ctx, inst.Handle)
	})
	var status interfaces.ProviderStatus
	if err == nil {
		status, err = call(ctx, m, inst.Provider, "poll", timeouts.Poll, func(ctx context.Context) (interfaces.ProviderStatus, error) {
			return adapter.Poll(ctx, inst.Handle)
		})
	}
	now := m.now()
	if err != nil {
		if !interfaces.IsRetryable(err) || ctx.Err() != nil {
			return m.fail(ctx, inst, err)
		}
		next, err := m.update(ctx, inst.ID, interfaces.StateTerminating, func(i *interfaces.Instance) error {
			i.RecordError(err, now)
			return nil
		})
		return next, m.cfg.PollInterval, err
	}

	if status.State == interfaces.ProviderTerminated {
		next, err := m.transition(ctx, inst.ID, interfaces.StateTerminating, interfaces.StateTerminated, func(i *interfaces.Instance) error {
			i.LastPolledAt = &now
			i.RecordError(status.Fault, now)
			return nil
		})
		if status.Fault != nil {
			m.log.Warn("Instance terminated with a provider fault",
				slog.String("instance", inst.ID.String()),
				"err", status.Fault)
		}
		return next, 0, err
	}
	next, err := m.update(ctx, inst.ID, interfaces.StateTerminating, func(i *interfaces.Instance) error {
		i.LastPolledAt = &now
		return nil
	})
	return next, m.cfg.PollInterval, err
}

// verify checks ev for inst against ch. Local guests without CVM hardware
// produce unattested evidence, which only has to answer the challenge.
func (m *Machine) verify(inst *interfaces.Instance, ev *interfaces.AttestationEvidence, ch *interfaces.Challenge) interfaces.VerificationResult {
	if ev.InstanceID != inst.ID {
		return interfaces.VerificationResult{
			Verdict: interfaces.VerdictRejected,
			Reason:  interfaces.ReasonChainInvalid,
			Detail:  fmt.Sprintf("evidence belongs to instance %s", ev.InstanceID),
		}
	}
	if ev.Provider != inst.Provider {
		return interfaces.VerificationResult{
			Verdict: interfaces.VerdictRejected,
			Reason:  interfaces.ReasonChainInvalid,
			Detail:  fmt.Sprintf("evidence claims provider %s, instance runs on %s", ev.Provider, inst.Provider),
		}
	}
	if !inst.IsLocalUnattested() || !ev.Unattested {
		return m.verifier.Verify(ev, ch, m.now())
	}

	replay := func(detail string) interfaces.VerificationResult {
		return interfaces.VerificationResult{Verdict: interfaces.VerdictRejected, Reason: interfaces.ReasonReplayDetected, Detail: detail}
	}
	switch {
	case ch == nil || len(ch.Nonce) == 0:
		return replay("no open challenge")
	case ch.Consumed:
		return replay("challenge already consumed")
	case !bytes.Equal(ev.Nonce, ch.Nonce):
		return replay("evidence nonce does not match challenge")
	}
	return interfaces.VerificationResult{Verdict: interfaces.VerdictUnattested}
}

func prepareEvidence(inst *interfaces.Instance, ev *interfaces.AttestationEvidence, now time.Time) {
	if ev.InstanceID == "" {
		ev.InstanceID = inst.ID
	}
	if ev.Provider == "" {
		ev.Provider = inst.Provider
	}
	if ev.CollectedAt.IsZero() {
		ev.CollectedAt = now
	}
	// Callers may not choose the content ID.
	ev.Seal()
}

// fail records cause and moves inst to Failed.
func (m *Machine) fail(ctx context.Context, inst *interfaces.Instance, cause error) (*interfaces.Instance, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	from := inst.State
	next, err := m.transition(ctx, inst.ID, from, interfaces.StateFailed, func(i *interfaces.Instance) error {
		i.RecordError(cause, m.now())
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	m.log.Error("Instance failed",
		slog.String("instance", inst.ID.String()),
		slog.String("state", from.String()),
		slog.String("kind", string(interfaces.ErrorKindOf(cause))),
		"err", cause)
	return next, 0, nil
}

// transition moves the record from one state to another if it is still in
// from. mutate runs before the state changes and may veto the transition.
func (m *Machine) transition(ctx context.Context, id interfaces.InstanceID, from, to interfaces.State, mutate func(i *interfaces.Instance) error) (*interfaces.Instance, error) {
	next, err := m.update(ctx, id, from, func(i *interfaces.Instance) error {
		if err := interfaces.CheckTransition(from, to); err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(i); err != nil {
				return err
			}
		}
		i.SetState(to, m.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.observeTransition(next, from)
	return next, nil
}

// update runs fn under the instance lock if the record is still in expect.
func (m *Machine) update(ctx context.Context, id interfaces.InstanceID, expect interfaces.State, fn func(i *interfaces.Instance) error) (*interfaces.Instance, error) {
	return m.store.Update(ctx, id, func(i *interfaces.Instance) error {
		if err := expectState(expect)(i); err != nil {
			return err
		}
		return fn(i)
	})
}

func expectState(s interfaces.State) func(i *interfaces.Instance) error {
	return func(i *interfaces.Instance) error {
		if i.State != s {
			return fmt.Errorf("%w: expected %s, found %s", interfaces.ErrStateConflict, s, i.State)
		}
		return nil
	}
}

func (m *Machine) observeTransition(inst *interfaces.Instance, from interfaces.State) {
	m.metrics.ObserveTransition(inst.Provider.String(), from.String(), inst.State.String())
	m.log.Info("Instance transitioned",
		slog.String("instance", inst.ID.String()),
		slog.String("provider", inst.Provider.String()),
		slog.String("from", from.String()),
		slog.String("to", inst.State.String()))
}

func lastError(inst *interfaces.Instance) error {
	if inst.LastError == nil {
		return nil
	}
	return errors.New(inst.LastError.Message)
}

// call runs one provider operation with a per-attempt timeout, retrying
// transient failures with exponential backoff.
func call[T any](ctx context.Context, m *Machine, kind interfaces.ProviderKind, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := backoff.RetryNotify(func() error {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		start := time.Now()
		v, err := fn(callCtx)
		m.metrics.ObserveCall(kind.String(), op, outcome(err), time.Since(start))
		if err != nil {
			if ctx.Err() != nil || !interfaces.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, backoff.WithContext(m.cfg.callBackOff(), ctx), func(err error, d time.Duration) {
		m.log.Warn("Provider call failed, retrying",
			slog.String("provider", kind.String()),
			slog.String("op", op),
			slog.Duration("backoff", d),
			"err", err)
	})
	return out, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, interfaces.ErrEvidenceNotReady):
		return "not_ready"
	}
	return string(interfaces.ErrorKindOf(err))
}
