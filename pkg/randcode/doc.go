// Package randcode generates short single-use codes for verification and
// password-reset flows. Codes are sampled character by character from
// crypto/rand; the alphanumeric alphabet drops visually ambiguous characters
// so codes survive being read aloud or typed from a phone screen.
package randcode
