// Package lifecycle drives Instance records from Requested to Running and
// from any state to Terminated.
//
// Every transition is a compare-and-set on the record's current state
// through InventoryStore.Update, so results computed for a state the record
// has since left are discarded. Provider calls are bounded by per-call
// timeouts and retried with exponential backoff while they fail transiently.
// Evidence fetched from the guest is handed to the EvidenceVerifier and
// recorded before the instance may become Verified.
package lifecycle
