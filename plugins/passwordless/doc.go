// Package passwordless authenticates without passwords: single-use magic
// links delivered by email and short one-time codes delivered over email,
// SMS, or WhatsApp. Codes are attempt-bounded and serve one of three
// purposes: login, register (the subject is created on successful
// verification), or verify (flipping an existing identity to verified).
//
// Send steps for the login and verify purposes answer identically whether or
// not the destination is known, so the plugin cannot be used to enumerate
// accounts.
//
// WebAuthn configuration is accepted and validated (RPID, RPName) but its
// steps are not implemented yet.
package passwordless
