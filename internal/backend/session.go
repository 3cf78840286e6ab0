package backend

// Session is the authenticated operator context shared by all stations.
// It is created once by Login and never mutated.
type Session struct {
	workerCode string
	token      string
}

// NewSession creates a session from an existing token
func NewSession(workerCode, token string) *Session {
	return &Session{workerCode: workerCode, token: token}
}

// WorkerCode returns the operator id, "UNKNOWN" for a nil session
func (s *Session) WorkerCode() string {
	if s == nil || s.workerCode == "" {
		return "UNKNOWN"
	}
	return s.workerCode
}

// Token returns the bearer token, empty for a nil session
func (s *Session) Token() string {
	if s == nil {
		return ""
	}
	return s.token
}

// Authenticated reports whether the session carries a token
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

type loginRequest struct {
	WorkerCode string `json:"workerCode"`
	Password   string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
	Token       string `json:"token"`
}

type completionRequest struct {
	WorkOrderNo string `json:"workOrderNo"`
	ActualQty   int    `json:"actualQty"`
}
