package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactAddressList masks every address in a comma-separated recipient list.
// Values without an "@" are returned unchanged so account ids stay readable.
func RedactAddressList(val string) string {
	if !strings.Contains(val, "@") {
		return val
	}
	parts := strings.Split(val, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if strings.Contains(p, "@") {
			parts[i] = RedactEmail(p)
		} else {
			parts[i] = p
		}
	}
	return strings.Join(parts, ", ")
}
