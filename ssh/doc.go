// ssh implements a facade over the 'x/crypto/ssh' package, covering the
// workflows burst needs to configure freshly launched machines:
//   - ED25519 key generation, conversion and marshaling
//   - session construction with a bounded TCP connect retry budget
//   - remote command execution with full output capture
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
