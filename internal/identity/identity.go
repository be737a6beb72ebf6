// Package identity implements the ANS certificate authority core: issuance,
// validation, revocation, and rotation of agent identity certificates.
//
// Certificates are real X.509 documents signed by the registry root CA, but
// the trust contract callers rely on is carried by the Certificate record:
// a deterministic fingerprint over the canonical fields, a validity window,
// and a revocation state machine.
package identity
