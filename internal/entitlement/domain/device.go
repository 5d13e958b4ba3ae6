package domain

import "strings"

// ValidateDeviceID checks the shape of a client-supplied device identifier.
// It says nothing about whether the caller owns the device.
func ValidateDeviceID(deviceID string) error {
	if len(deviceID) < MinDeviceIDLength || len(deviceID) > MaxDeviceIDLength {
		return Invalid(ErrInvalidDeviceID)
	}
	for _, r := range deviceID {
		if !isDeviceIDRune(r) {
			return Invalid(ErrInvalidDeviceID)
		}
	}
	return nil
}

// NormalizeDeviceID trims surrounding whitespace only; ids are case-sensitive.
func NormalizeDeviceID(deviceID string) string {
	return strings.TrimSpace(deviceID)
}

func isDeviceIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == ':', r == '-':
		return true
	}
	return false
}
