package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/ruteri/cvmctl/interfaces"
)

var (
	okFmt   = color.New(color.FgGreen, color.Bold).SprintFunc()
	busyFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
	keyFmt  = color.New(color.FgCyan).SprintFunc()
)

func stateFmt(s interfaces.State) string {
	switch s {
	case interfaces.StateRunning, interfaces.StateVerified:
		return okFmt(s)
	case interfaces.StateFailed:
		return errFmt(s)
	case interfaces.StateTerminated:
		return dimFmt(s)
	default:
		return busyFmt(s)
	}
}

func verdictFmt(v interfaces.Verdict) string {
	switch v {
	case interfaces.VerdictVerified:
		return okFmt(v)
	case interfaces.VerdictRejected:
		return errFmt(v)
	default:
		return busyFmt(v)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeTable prints one row per instance.
func writeTable(w io.Writer, insts []*interfaces.Instance, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Provider", "State", "Attested", "Resource", "Address", "Age", "Last error"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, inst := range insts {
		resource, address := "-", "-"
		if inst.Handle != nil {
			resource = inst.Handle.ResourceID
			if inst.Handle.Address != "" {
				address = inst.Handle.Address
			}
		}
		state := inst.State.String()
		if inst.ArchivedAt != nil {
			state += " (archived)"
		}
		lastErr := "-"
		if inst.LastError != nil {
			lastErr = string(inst.LastError.Kind)
			if inst.LastError.Reason != "" {
				lastErr += "(" + string(inst.LastError.Reason) + ")"
			}
		}
		table.Append([]string{
			inst.ID.String(),
			inst.Provider.String(),
			state,
			strconv.FormatBool(inst.Attested),
			resource,
			address,
			age(now.Sub(inst.CreatedAt)),
			lastErr,
		})
	}
	table.Render()
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// statusView is the JSON form of `status`.
type statusView struct {
	Instance       *interfaces.Instance       `json:"instance"`
	LatestEvidence *interfaces.EvidenceRecord `json:"latest_evidence,omitempty"`
	EvidenceCount  int                        `json:"evidence_count"`
}

func newStatusView(inst *interfaces.Instance, recs []*interfaces.EvidenceRecord) *statusView {
	v := &statusView{Instance: inst, EvidenceCount: len(recs)}
	if len(recs) > 0 {
		v.LatestEvidence = recs[len(recs)-1]
	}
	return v
}

// writeStatus prints a human readable summary of one instance.
func writeStatus(w io.Writer, v *statusView) {
	inst := v.Instance
	line := func(k string, val any) {
		fmt.Fprintf(w, "%s %v\n", keyFmt(fmt.Sprintf("%-13s", k+":")), val)
	}

	line("Instance", inst.ID)
	line("Provider", inst.Provider)
	line("State", fmt.Sprintf("%s (since %s)", stateFmt(inst.State), inst.StateEnteredAt.Format(time.RFC3339)))
	line("Machine", fmt.Sprintf("%s image=%s", inst.Spec.MachineType, inst.Spec.Image))
	if inst.Spec.CVM {
		line("CVM", inst.Spec.CVMType)
	} else {
		line("CVM", dimFmt("none"))
	}
	if inst.Handle != nil {
		line("Resource", inst.Handle.ResourceID)
		if inst.Handle.Zone != "" {
			line("Zone", inst.Handle.Zone)
		}
		if inst.Handle.Address != "" {
			line("Address", inst.Handle.Address)
		}
	}
	if inst.Attested {
		line("Attested", okFmt("yes"))
	} else {
		line("Attested", busyFmt("no"))
	}
	if inst.DestroyRequested {
		line("Destroy", busyFmt("requested"))
	}
	if inst.ArchivedAt != nil {
		line("Archived", inst.ArchivedAt.Format(time.RFC3339))
	}
	if e := inst.LastError; e != nil {
		kind := string(e.Kind)
		if e.Reason != "" {
			kind += "(" + string(e.Reason) + ")"
		}
		line("Last error", fmt.Sprintf("%s in %s: %s", errFmt(kind), e.State, e.Message))
	}

	if v.LatestEvidence == nil {
		line("Evidence", dimFmt("none"))
		return
	}
	rec := v.LatestEvidence
	summary := fmt.Sprintf("#%d of %d %s format=%s measurement=%s",
		rec.Seq, v.EvidenceCount, verdictFmt(rec.Result.Verdict), rec.Evidence.Format, rec.Evidence.Measurement)
	if rec.Result.Reason != "" {
		summary += fmt.Sprintf(" reason=%s", rec.Result.Reason)
	}
	line("Evidence", summary)
	line("Recorded", rec.RecordedAt.Format(time.RFC3339))
}
