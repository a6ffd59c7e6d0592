// Package port implements host port selection for sandbox port publishing
// and the readiness probe used after a service is launched.
//
// Docker can only publish container ports when a container is created, so
// every port a workflow will later expose is bound to a host port up front:
//
//	hostPort = containerPort            (when free and unprivileged)
//	hostPort = first free port in 49152-65535 (otherwise)
//
// The Scanner verifies OS-level availability via net.Listen(); the
// Allocator adds cross-sandbox conflict detection using the host ports
// recorded in the labels of other managed sandboxes, which may be stopped
// and therefore invisible to the Scanner.
//
// Publishing a port proves nothing about the service behind it. Probe
// waits until the service actually answers.
package port
