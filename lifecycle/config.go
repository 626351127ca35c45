package lifecycle

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/cvmctl/interfaces"
)

// Timeouts bounds each provider adapter call.
type Timeouts struct {
	Create        time.Duration
	Poll          time.Duration
	FetchEvidence time.Duration
	Destroy       time.Duration
}

// Config holds the retry budgets of the state machine.
type Config struct {
	// Timeouts overrides DefaultTimeouts per provider kind.
	Timeouts        map[interfaces.ProviderKind]Timeouts
	DefaultTimeouts Timeouts

	// CallRetries is the number of retries of a single transient provider call.
	CallRetries int
	CallBackoff time.Duration

	// PollInterval and MaxPolls bound provisioning and destroy confirmation.
	PollInterval time.Duration
	MaxPolls     int

	// EvidenceAttempts bounds one attestation round.
	EvidenceAttempts   int
	EvidenceBackoff    time.Duration
	EvidenceMaxBackoff time.Duration

	DestroyAttempts int

	// Workers limits concurrent instances during DriveAll.
	Workers int
}

// DefaultConfig returns budgets suited for cloud providers.
func DefaultConfig() Config {
	return Config{
		Timeouts: map[interfaces.ProviderKind]Timeouts{
			interfaces.ProviderLocal: {
				Create:        time.Minute,
				Poll:          10 * time.Second,
				FetchEvidence: 10 * time.Second,
				Destroy:       45 * time.Second,
			},
		},
		DefaultTimeouts: Timeouts{
			Create:        2 * time.Minute,
			Poll:          30 * time.Second,
			FetchEvidence: 30 * time.Second,
			Destroy:       2 * time.Minute,
		},
		CallRetries:        3,
		CallBackoff:        time.Second,
		PollInterval:       5 * time.Second,
		MaxPolls:           120,
		EvidenceAttempts:   30,
		EvidenceBackoff:    2 * time.Second,
		EvidenceMaxBackoff: 30 * time.Second,
		DestroyAttempts:    60,
		Workers:            8,
	}
}

func (c Config) timeouts(kind interfaces.ProviderKind) Timeouts {
	t, ok := c.Timeouts[kind]
	if !ok {
		return c.DefaultTimeouts
	}
	if t.Create == 0 {
		t.Create = c.DefaultTimeouts.Create
	}
	if t.Poll == 0 {
		t.Poll = c.DefaultTimeouts.Poll
	}
	if t.FetchEvidence == 0 {
		t.FetchEvidence = c.DefaultTimeouts.FetchEvidence
	}
	if t.Destroy == 0 {
		t.Destroy = c.DefaultTimeouts.Destroy
	}
	return t
}

func (c Config) callBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.CallBackoff
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(c.CallRetries, 0)))
}

// evidenceDelay returns the wait after the given failed evidence attempt.
func (c Config) evidenceDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.EvidenceBackoff
	b.MaxInterval = c.EvidenceMaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := c.EvidenceBackoff
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
