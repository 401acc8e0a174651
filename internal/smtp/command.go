package smtp

import "strings"

// parseCommand splits a trimmed SMTP line at the first space. The command
// token is uppercased for case-insensitive matching per RFC 5321; the
// argument tail is trimmed. A line with no space yields an empty argument.
func parseCommand(line string) (cmd string, args string) {
	trimmed := strings.TrimSpace(line)
	if idx := strings.IndexByte(trimmed, ' '); idx >= 0 {
		return strings.ToUpper(trimmed[:idx]), strings.TrimSpace(trimmed[idx+1:])
	}
	return strings.ToUpper(trimmed), ""
}

// extractAddress pulls the address out of MAIL/RCPT arguments of the form
// "FROM:<addr> SIZE=1024". Parameters following the closing '>' are
// tolerated but not parsed. Returns ok=false when no non-empty address is
// present between angle brackets.
func extractAddress(args string) (address string, ok bool) {
	start := strings.IndexByte(args, '<')
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(args, '>')
	if end < 0 || end <= start+1 {
		return "", false
	}
	return args[start+1 : end], true
}
