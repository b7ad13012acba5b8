package hop

import "regexp"

var privateKeyBlock = regexp.MustCompile(`-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----`)

// sanitizeLogMessage strips any embedded PEM private key block before a
// string reaches the logger (spec §8 property 9: no secret leakage).
func sanitizeLogMessage(msg string) string {
	return privateKeyBlock.ReplaceAllString(msg, "***SSH_PRIVATE_KEY_REDACTED***")
}

// maskCredentialValue shows only a short prefix/suffix of a sensitive
// value, or "***" if it's too short to mask meaningfully.
func maskCredentialValue(value string, showPrefix, showSuffix int) string {
	if value == "" {
		return "***"
	}
	if len(value) <= showPrefix+showSuffix || len(value) < 6 {
		return "***"
	}
	return value[:showPrefix] + "***" + value[len(value)-showSuffix:]
}
