// Package emailpassword provides classic email + password authentication:
// registration with optional email verification, login with anti-enumeration
// timing, password reset and change flows, a staged email-change flow that
// commits only after the new address is verified, and a cleanup task for
// expired codes.
//
// Delivery is injected: the plugin never sends mail itself.
//
//	p, err := emailpassword.New(emailpassword.Config{
//		RequireVerification: true,
//		SendCode: func(ctx context.Context, email, code string) error {
//			return mailer.SendVerification(ctx, email, code)
//		},
//		LoginOnRegister: true,
//	})
package emailpassword
