package plugin

// Status codes shared across plugins. Each step's HTTPAdvice maps the codes
// it can emit to transport status integers.
const (
	StatusOK                   = "ok"
	StatusCreated              = "created"
	StatusInvalidCredentials   = "ip"
	StatusVerificationRequired = "vr"
	StatusExpired              = "ex"
	StatusRateLimited          = "rl"
	StatusConflict             = "cf"
	StatusForbidden            = "fb"
	StatusUnauthorized         = "ua"
	StatusUpstreamTimeout      = "ut"
	StatusNotFound             = "nf"
	StatusValidation           = "ve"
	StatusUnknownPlugin        = "up"
	StatusUnknownStep          = "us"
	StatusBreachedPassword     = "pw"
	StatusInternal             = "in"
)

// Result is the uniform step output envelope. Well-known fields cover the
// common shape; Others is the typed bag for step-specific extras.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Status  string         `json:"status"`
	Token   string         `json:"token,omitempty"`
	Subject map[string]any `json:"subject,omitempty"`
	Error   string         `json:"error,omitempty"`
	Others  map[string]any `json:"others,omitempty"`
}

// OK builds a success result.
func OK(status, message string) *Result {
	return &Result{Success: true, Status: status, Message: message}
}

// Fail builds an expected-failure result.
func Fail(status, message string) *Result {
	return &Result{Success: false, Status: status, Message: message}
}

// WithToken attaches a session token.
func (r *Result) WithToken(token string) *Result {
	r.Token = token
	return r
}

// WithSubject attaches the sanitized subject.
func (r *Result) WithSubject(subject map[string]any) *Result {
	r.Subject = subject
	return r
}

// WithError attaches a machine-readable error detail.
func (r *Result) WithError(detail string) *Result {
	r.Error = detail
	return r
}

// Set stores a step-specific field in the output bag.
func (r *Result) Set(key string, value any) *Result {
	if r.Others == nil {
		r.Others = make(map[string]any)
	}
	r.Others[key] = value
	return r
}

// Get reads a step-specific field from the output bag.
func (r *Result) Get(key string) (any, bool) {
	v, ok := r.Others[key]
	return v, ok
}

// GetString reads a step-specific string field, or "".
func (r *Result) GetString(key string) string {
	s, _ := r.Others[key].(string)
	return s
}

// GetMap reads a step-specific object field, or nil.
func (r *Result) GetMap(key string) map[string]any {
	m, _ := r.Others[key].(map[string]any)
	return m
}
