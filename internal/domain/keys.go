package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	MetaPrefix    = "meta:"
	StatePrefix   = "state:"
	SummaryPrefix = "summary:"
	AuditPrefix   = "audit:"
)

// MetaKey builds the canonical key for the workflow plan document
func MetaKey(workflowID string) string {
	return fmt.Sprintf("%s%s", MetaPrefix, workflowID)
}

// StateKey builds the canonical key for one state record
func StateKey(workflowID, state string) string {
	return fmt.Sprintf("%s%s:%s", StatePrefix, workflowID, state)
}

// StateScanPrefix builds the prefix covering every state record of a workflow
func StateScanPrefix(workflowID string) string {
	return fmt.Sprintf("%s%s:", StatePrefix, workflowID)
}

// SummaryKey builds the canonical key for the cached closing summary
func SummaryKey(workflowID string) string {
	return fmt.Sprintf("%s%s", SummaryPrefix, workflowID)
}

// AuditKey builds a unique key for one journal entry. The zero-padded
// nanosecond timestamp keeps lexicographic key order equal to time order, so
// a prefix scan replays the journal in sequence.
func AuditKey(workflowID string, occurredAt time.Time, entryID string) string {
	return fmt.Sprintf("%s%s:%020d:%s", AuditPrefix, workflowID, occurredAt.UnixNano(), entryID)
}

// AuditScanPrefix builds the prefix covering every journal entry of a workflow
func AuditScanPrefix(workflowID string) string {
	return fmt.Sprintf("%s%s:", AuditPrefix, workflowID)
}

// ParseStateKey splits a state record key back into workflow and state.
// State names may not contain ':', so the last separator is the boundary
// even when a caller-supplied workflow id contains one.
func ParseStateKey(key string) (workflowID, state string, ok bool) {
	rest, found := strings.CutPrefix(key, StatePrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
