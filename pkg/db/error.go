package db

import "strings"

// IsUnavailableErr reports connection-level failures as opposed to query errors.
func IsUnavailableErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"database is locked",
		"sql: database is closed",
		"i/o timeout",
		"too many clients",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
