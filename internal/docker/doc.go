// Package docker implements the sandbox contract on top of the Docker
// Engine API. A sandbox is one long-lived container kept alive by
// "sleep infinity"; every pipeline step is a separate exec inside it.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Sandbox creation, exec streaming, file upload, port lookup and
//     forced removal
//   - Container labels that persist sandbox metadata, so leftovers from
//     a killed run can be listed and removed later
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
