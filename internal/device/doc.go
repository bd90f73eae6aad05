// Package device declares the link-layer collaborators the secured transport
// is built on: a BLE peripheral that can connect, disconnect and discover
// characteristics, and a characteristic handle with acknowledged writes and
// reads.
//
// The package also carries the error taxonomy shared by the link stack:
//   - LinkError for failed connect/disconnect/write/read calls
//   - NotFoundError for discovery that resolved nothing
//   - ConnectionError sentinels for normalized driver state errors
//
// Concrete drivers live in sub-packages (see go-ble).
package device
