package server

// checkUserPass validates RFC 1929 credentials against the configured
// user list. PAM-backed methods never reach it: methodFor reports them
// unsupported, so method negotiation answers NoAcceptable.
func (s *Server) checkUserPass(username, password string) bool {
	want, ok := s.userCreds[username]
	return ok && want == password
}
