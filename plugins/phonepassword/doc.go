// Package phonepassword provides phone-number + password authentication.
// It mirrors the email-password plugin with E.164 identifier validation and
// SMS code delivery through the injected SendCode callback; step names use
// the phone field (verify-phone, send-verify-phone, change-phone).
package phonepassword
