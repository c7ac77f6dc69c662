package model

import "testing"

func TestParseSourceFormat(t *testing.T) {
	tests := []struct {
		input  string
		want   SourceFormat
		wantOK bool
	}{
		{"mbox", FormatMbox, true},
		{"MBOX", FormatMbox, true},
		{"mbox-zip", FormatMboxZip, true},
		{"zip", FormatMboxZip, true},
		{"pst", FormatPst, true},
		{"ost", FormatPst, true},
		{"pst-zip", FormatPstZip, true},
		{"eml", FormatEml, true},
		{"eml-zip", FormatEmlZip, true},
		{"auto-detect", FormatAutoDetect, true},
		{"", FormatAutoDetect, true},
		{"tarball", "", false},
		{"msg", "", false},
	}

	for _, tc := range tests {
		got, ok := ParseSourceFormat(tc.input)
		if ok != tc.wantOK {
			t.Errorf("ParseSourceFormat(%q) ok = %v, want %v", tc.input, ok, tc.wantOK)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("ParseSourceFormat(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusProcessing, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusQueued, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCompleted, StatusCompleted, false},
	}

	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, status := range []JobStatus{StatusPending, StatusQueued, StatusProcessing} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
	for _, status := range []JobStatus{StatusCompleted, StatusFailed} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
}
