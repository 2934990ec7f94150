// Package federation signs subjects in through upstream OIDC providers. The
// begin step mints a state and nonce, persists them with a TTL, and returns
// the authorization URL; the callback step consumes the state exactly once,
// then trades the authorization code for a remote identity via injected
// callbacks. The engine itself never performs network I/O. First-time
// identities get a local subject provisioned unless registration is disabled.
package federation
