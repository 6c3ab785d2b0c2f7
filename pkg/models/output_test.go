package models

import "testing"

func TestRejectReason_Valid(t *testing.T) {
	tests := []struct {
		name   string
		reason RejectReason
		want   bool
	}{
		{"conflicts is valid", RejectReasonConflicts, true},
		{"code_issues is valid", RejectReasonCodeIssues, true},
		{"scope_violation is valid", RejectReasonScopeViolation, true},
		{"placeholder_code is valid", RejectReasonPlaceholderCode, true},
		{"missing_files is valid", RejectReasonMissingFiles, true},
		{"other is valid", RejectReasonOther, true},
		{"empty string is invalid", RejectReason(""), false},
		{"unknown reason is invalid", RejectReason("style"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reason.Valid(); got != tt.want {
				t.Errorf("RejectReason(%q).Valid() = %v, want %v", tt.reason, got, tt.want)
			}
		})
	}
}

func TestTokenUsage_Add(t *testing.T) {
	tests := []struct {
		name string
		a, b TokenUsage
		want TokenUsage
	}{
		{"both zero", TokenUsage{}, TokenUsage{}, TokenUsage{}},
		{"sums fields", TokenUsage{Input: 10, Output: 5}, TokenUsage{Input: 3, Output: 7}, TokenUsage{Input: 13, Output: 12}},
		{"adding zero is identity", TokenUsage{Input: 42, Output: 17}, TokenUsage{}, TokenUsage{Input: 42, Output: 17}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Add(tt.b)
			if got != tt.want {
				t.Errorf("%+v.Add(%+v) = %+v, want %+v", tt.a, tt.b, got, tt.want)
			}
			if total := got.Total(); total != got.Input+got.Output {
				t.Errorf("Total() = %d, want %d", total, got.Input+got.Output)
			}
		})
	}
}
