// Package main (cmd/cvmctl) is the cvmctl command line tool.
//
// cvmctl provisions Confidential VMs, verifies their attestation evidence
// against a trust policy and tears them down again. All state lives in the
// data directory (default ~/.cvmctl):
//
//	instances/<id>.json         current record of every instance
//	evidence/<id>/<seq>-<cid>   evidence history
//	archive/                    records of terminated instances
//	locks/<id>.lock             per-instance lock files
//	local/<id>/                 local QEMU guests
//	policy.yaml                 trust policy
//
// Exit codes: 0 success, 1 general error, 2 provider rejected the request,
// 3 provider unavailable, 4 attestation rejected, 5 attestation timed out,
// 6 local emulation failure, 7 instance not found.
//
// Example:
//
//	cvmctl create --provider gcp --image projects/cos-cloud/global/images/cos-stable \
//	    --machine-type n2d-standard-2 --cvm-type sev-snp
//	cvmctl list
//	cvmctl status 3f0c2f9e-4b36-4c7e-9f0e-2d1e8a4c7b51
//	cvmctl destroy 3f0c2f9e-4b36-4c7e-9f0e-2d1e8a4c7b51
//
// `cvmctl serve` runs the reconcile loop with the status API and metrics.
// Other commands can then use it with --api-url.
package main
