/*
Package clients provides a Go client for the cvmctl status API.

InstanceClient implements api.InstanceService over HTTP, so commands can run
against a `cvmctl serve` instance instead of the local inventory. Error
responses are turned back into interfaces.LifecycleError values and keep
their error kind, rejection reason and instance state.

MockInstanceService is a testify mock of the same interface.
*/
package clients
