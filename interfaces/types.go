package interfaces

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies a provider adapter.
type ProviderKind string

const (
	ProviderAWS   ProviderKind = "aws"
	ProviderGCP   ProviderKind = "gcp"
	ProviderAzure ProviderKind = "azure"
	ProviderLocal ProviderKind = "local"
)

// AllProviders lists every supported provider kind.
var AllProviders = []ProviderKind{ProviderAWS, ProviderGCP, ProviderAzure, ProviderLocal}

// ParseProviderKind validates a provider name.
func ParseProviderKind(s string) (ProviderKind, error) {
	kind := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range AllProviders {
		if kind == k {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

func (k ProviderKind) String() string { return string(k) }

// InstanceID is the opaque identifier of an Instance record.
type InstanceID string

// NewInstanceID generates a random instance identifier.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.Must(uuid.NewRandom()).String())
}

// ParseInstanceID validates a user supplied instance identifier.
func ParseInstanceID(s string) (InstanceID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid instance id %q: %w", s, err)
	}
	return InstanceID(id.String()), nil
}

func (id InstanceID) String() string { return string(id) }

// Short returns the first 8 characters, used for resource names.
func (id InstanceID) Short() string {
	s := strings.ReplaceAll(string(id), "-", "")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// CVMType selects the confidential computing technology.
type CVMType string

const (
	CVMTypeSEVSNP CVMType = "sev-snp"
	CVMTypeTDX    CVMType = "tdx"
)

// ParseCVMType validates a CVM type name. An empty string selects SEV-SNP.
func ParseCVMType(s string) (CVMType, error) {
	switch CVMType(strings.ToLower(s)) {
	case "", CVMTypeSEVSNP:
		return CVMTypeSEVSNP, nil
	case CVMTypeTDX:
		return CVMTypeTDX, nil
	default:
		return "", fmt.Errorf("unsupported cvm type %q", s)
	}
}

// InstanceSpec is the user request for a new instance.
type InstanceSpec struct {
	MachineType string  `json:"machine_type"`
	Image       string  `json:"image"`
	Region      string  `json:"region,omitempty"`
	CVM         bool    `json:"cvm"`
	CVMType     CVMType `json:"cvm_type,omitempty"`

	// RequireCVM makes the local adapter reject the request when the host
	// lacks confidential computing support instead of falling back.
	RequireCVM bool `json:"require_cvm,omitempty"`
}

// ProviderHandle is everything an adapter needs to find its resource again.
type ProviderHandle struct {
	Kind       ProviderKind      `json:"kind"`
	ResourceID string            `json:"resource_id"`
	Zone       string            `json:"zone,omitempty"`
	Address    string            `json:"address,omitempty"`
	CVM        bool              `json:"cvm"`
	Extra      map[string]string `json:"extra,omitempty"`
}

func (h *ProviderHandle) clone() *ProviderHandle {
	if h == nil {
		return nil
	}
	c := *h
	if h.Extra != nil {
		c.Extra = make(map[string]string, len(h.Extra))
		for k, v := range h.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// ProviderState is the coarse resource state reported by Poll.
type ProviderState string

const (
	ProviderPending    ProviderState = "pending"
	ProviderRunning    ProviderState = "running"
	ProviderFailed     ProviderState = "failed"
	ProviderTerminated ProviderState = "terminated"
)

// ProviderStatus is the result of a Poll.
type ProviderStatus struct {
	State   ProviderState
	Address string
	Detail  string
	// Fault is a problem worth recording that does not stop the lifecycle.
	Fault error
}

// Attempts holds the retry counters of an instance. They are persisted so a
// restarted process does not reset its budgets.
type Attempts struct {
	Create   int `json:"create"`
	Poll     int `json:"poll"`
	Evidence int `json:"evidence"`
	Destroy  int `json:"destroy"`
}

// ErrorRecord is the last classified failure of an instance.
type ErrorRecord struct {
	Kind    ErrorKind    `json:"kind"`
	Reason  RejectReason `json:"reason,omitempty"`
	Message string       `json:"message"`
	// State is the state the instance was in when the error occurred.
	State State     `json:"state,omitempty"`
	At    time.Time `json:"at"`
}

// Challenge is the nonce issued for one attestation round.
type Challenge struct {
	Nonce      []byte     `json:"nonce"`
	IssuedAt   time.Time  `json:"issued_at"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Clone returns a deep copy of the challenge.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	cc := *c
	cc.Nonce = append([]byte(nil), c.Nonce...)
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		cc.ConsumedAt = &t
	}
	return &cc
}

// Instance is the durable record of one CVM.
type Instance struct {
	ID       InstanceID      `json:"id"`
	Provider ProviderKind    `json:"provider"`
	Region   string          `json:"region,omitempty"`
	Spec     InstanceSpec    `json:"spec"`
	State    State           `json:"state"`
	Handle   *ProviderHandle `json:"handle,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StateEnteredAt time.Time  `json:"state_entered_at"`
	LastPolledAt   *time.Time `json:"last_polled_at,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`

	LastError *ErrorRecord `json:"last_error,omitempty"`
	Attempts  Attempts     `json:"attempts"`

	Challenge  *Challenge `json:"challenge,omitempty"`
	EvidenceID string     `json:"evidence_id,omitempty"`
	Verdict    Verdict    `json:"verdict,omitempty"`
	Attested   bool       `json:"attested"`

	DestroyRequested bool   `json:"destroy_requested,omitempty"`
	Version          uint64 `json:"version"`
}

// Clone returns a deep copy of the record.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Handle = i.Handle.clone()
	c.Challenge = i.Challenge.Clone()
	if i.LastError != nil {
		e := *i.LastError
		c.LastError = &e
	}
	for _, p := range []**time.Time{&c.LastPolledAt, &c.NextAttemptAt, &c.ArchivedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}

// SetState moves the record to a new state and stamps the entry time. It does
// not check the transition table.
func (i *Instance) SetState(s State, now time.Time) {
	if i.State != s {
		i.StateEnteredAt = now
	}
	i.State = s
}

// RecordError stores a classified failure on the record. Call it before
// SetState so the record keeps the state the failure happened in.
func (i *Instance) RecordError(err error, now time.Time) {
	if err == nil {
		i.LastError = nil
		return
	}
	i.LastError = &ErrorRecord{
		Kind:    ErrorKindOf(err),
		Reason:  RejectReasonOf(err),
		Message: err.Error(),
		State:   i.State,
		At:      now,
	}
}

// IsLocalUnattested reports whether the instance is a local instance running
// without confidential computing hardware.
func (i *Instance) IsLocalUnattested() bool {
	return i.Provider == ProviderLocal && i.Handle != nil && !i.Handle.CVM
}
