package domain

import (
	"fmt"
	"strings"
)

// StatType is a category of trackable bot event.
type StatType string

const (
	StatMessage StatType = "message"
	StatImage   StatType = "image"
	StatVoice   StatType = "voice"
	StatGroup   StatType = "group"
	StatNewUser StatType = "new_user"
	StatCommand StatType = "command"
)

// StatTypes lists every known stat type in display order.
var StatTypes = []StatType{StatMessage, StatImage, StatVoice, StatGroup, StatNewUser, StatCommand}

// ParseStatType validates a raw stat type name.
func ParseStatType(raw string) (StatType, error) {
	candidate := StatType(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("unknown stat type %q", raw)
}

// Valid reports whether t is one of the known stat types.
func (t StatType) Valid() bool {
	for _, known := range StatTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TotalField is the counter name used in the global and per-user documents.
func (t StatType) TotalField() string {
	return "total_" + string(t)
}

// DailyField is the counter name used in daily documents.
func (t StatType) DailyField() string {
	return string(t) + "_count"
}

// TotalOperationsField is incremented alongside every stat counter.
const TotalOperationsField = "total_operations"
