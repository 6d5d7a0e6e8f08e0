package domain

import (
	"strings"
	"time"
)

// Classification is the verdict for one interface.
type Classification string

const (
	ClassMatch       Classification = "match"
	ClassMismatch    Classification = "mismatch"
	ClassUnreachable Classification = "unreachable"
)

// Field names compared by the convergence check.
const (
	FieldAddress      = "address"
	FieldAdminState   = "admin_state"
	FieldOperState    = "oper_state"
	FieldPeer         = "peer"
	FieldReachability = "reachability"
)

// FieldDiff is a single attribute where observed differs from declared.
type FieldDiff struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Observed string `json:"observed"`
}

// DriftRecord is produced fresh by every check and never cached.
type DriftRecord struct {
	Interface      InterfaceRef   `json:"interface"`
	Classification Classification `json:"classification"`
	Expected       string         `json:"expected"`
	Observed       string         `json:"observed"`
	Fields         []FieldDiff    `json:"fields,omitempty"`
	Error          string         `json:"error,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// Drifted reports whether the record needs attention.
func (d DriftRecord) Drifted() bool {
	return d.Classification != ClassMatch
}

// HasField reports whether the named field mismatched.
func (d DriftRecord) HasField(name string) bool {
	for _, f := range d.Fields {
		if f.Field == name {
			return true
		}
	}
	return false
}

// FieldNames lists the mismatching fields.
func (d DriftRecord) FieldNames() string {
	names := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		names = append(names, f.Field)
	}
	return strings.Join(names, ",")
}

// AllMatch reports whether every record is a match. An empty set is not
// convergence evidence and returns false.
func AllMatch(records []DriftRecord) bool {
	if len(records) == 0 {
		return false
	}
	for _, r := range records {
		if r.Drifted() {
			return false
		}
	}
	return true
}

// DriftedOnly filters out matching records.
func DriftedOnly(records []DriftRecord) []DriftRecord {
	var out []DriftRecord
	for _, r := range records {
		if r.Drifted() {
			out = append(out, r)
		}
	}
	return out
}
