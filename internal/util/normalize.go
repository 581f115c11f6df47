package util

import "strings"

// NullSender is the envelope sender of bounces and other notifications.
const NullSender = "<>"

// NormalizeSender folds a Postfix envelope sender (the policy "sender"
// attribute) to a grouping key.
//
// Empty and "<>" senders become NullSender. Otherwise the surrounding angle
// brackets are dropped, the address is lowercased and a +tag in the local
// part is removed. BATV (prvs=TAG=user) and SRS (SRS0=HASH=TT=domain=user,
// SRS1=...==HASH=TT=domain=user) local parts are unwrapped to the original
// sender because their tags change per message. It returns "" when the
// value is not a bare address.
func NormalizeSender(sender string) string {
	s := strings.TrimSpace(sender)
	if s == "" || s == NullSender {
		return NullSender
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.ContainsAny(s, " \t<>,") {
		return ""
	}
	s = strings.ToLower(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return ""
	}
	local, domain := s[:at], s[at+1:]

	if l, d, ok := unwrapSRS(local); ok {
		local, domain = l, d
	} else if l, ok := unwrapBATV(local); ok {
		local = l
	}
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// unwrapBATV handles prvs=TAG=user.
func unwrapBATV(local string) (string, bool) {
	rest, ok := strings.CutPrefix(local, "prvs=")
	if !ok {
		return "", false
	}
	_, user, ok := strings.Cut(rest, "=")
	if !ok || user == "" {
		return "", false
	}
	return user, true
}

// unwrapSRS returns the original local part and domain of an SRS0 or SRS1
// address. The first separator may be '=', '+' or '-'.
func unwrapSRS(local string) (string, string, bool) {
	if len(local) < 5 || !strings.ContainsRune("=+-", rune(local[4])) {
		return "", "", false
	}
	var tail string
	switch local[:4] {
	case "srs0":
		tail = local[5:]
	case "srs1":
		// SRS1=HASH=first-forwarder==HASH=TT=domain=user
		_, t, ok := strings.Cut(local[5:], "==")
		if !ok {
			return "", "", false
		}
		tail = t
	default:
		return "", "", false
	}
	parts := strings.SplitN(tail, "=", 4)
	if len(parts) != 4 || parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[3], parts[2], true
}
