// Package session manages bearer sessions polymorphic over subject kind.
// Each authentication plugin registers a resolver for the kinds it mints
// (permanent subjects, anonymous guests, service accounts); the service
// persists bindings through the data-access port and verifies presented
// tokens against the registered resolvers.
//
// Opaque tokens are 256-bit random values stored only as hashes. JWT mode
// issues signed stateless tokens and records revocations until expiry.
//
//	svc := session.New(store,
//		session.WithTTL(24*time.Hour),
//		session.WithRefreshWindow(time.Hour),
//	)
//	_ = svc.RegisterResolver("subject", userResolver)
//
//	tok, err := svc.Create(ctx, "subject", subjectID, 0)
//	check, err := svc.Check(ctx, tok)
//	if check.Token != "" {
//		// rotation happened: propagate the successor token to the client
//	}
//
// Invalid tokens of any flavor produce Check{Valid:false} without side
// effects; errors are reserved for infrastructure faults.
package session
