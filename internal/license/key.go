package license

import (
	"regexp"
	"strings"
)

// keyPattern matches the customer-facing key format AAAA-AAAA-AAAA-AAAA.
var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// NormalizeKey trims surrounding whitespace and uppercases a key before
// format validation, so plugin callers that lowercase keys still match.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidKeyFormat reports whether key matches XXXX-XXXX-XXXX-XXXX.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// MaskKey masks a license key for logging: first and last group kept,
// middle groups replaced ("ABCD-****-****-5678"). Anything that does not
// look like a key is fully masked so malformed secrets never leak either.
func MaskKey(key string) string {
	if !ValidKeyFormat(key) {
		return "****"
	}
	return key[:4] + "-****-****-" + key[len(key)-4:]
}
