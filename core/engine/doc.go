// Package engine is the protocol-agnostic authentication core. It composes
// the data-access port, the session service, the signing keyring, and the
// cleanup scheduler, and dispatches named plugin steps through a uniform
// validation and error-masking pipeline.
//
// Transport adapters sit outside this module. They extract a step's declared
// inputs from a request, call ExecuteStep, and translate the Result via the
// step's advisory HTTP mapping. The engine itself never touches the wire.
//
// Construction wires everything up front:
//
//	store := orm.NewMemory()
//	eng, err := engine.New(ctx, store, engine.DefaultConfig(), []plugin.Plugin{
//		emailpassword.New(emailpassword.Config{SendVerificationEmail: sender}),
//	})
//
// Expected failures (bad credentials, expired codes, conflicts) come back
// inside the Result with a stable status code. Unexpected errors are logged
// with a correlation id and surface to callers as a masked internal result.
package engine
