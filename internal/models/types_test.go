package models

import "testing"

func TestTerminal(t *testing.T) {
	cases := []struct {
		status AudioStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusDone, true},
		{StatusError, true},
	}
	for _, c := range cases {
		if got := c.status.Terminal(); got != c.want {
			t.Errorf("Terminal(%s) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestParseCallbackStatus(t *testing.T) {
	cases := []struct {
		token string
		want  AudioStatus
	}{
		{"completed", StatusDone},
		{"done", StatusDone},
		{"error", StatusError},
		{"failed", StatusError},
		{"in_progress", StatusProcessing},
		{"", StatusProcessing},
		{"COMPLETED", StatusProcessing}, // tokens are case sensitive
	}
	for _, c := range cases {
		if got := ParseCallbackStatus(c.token); got != c.want {
			t.Errorf("ParseCallbackStatus(%q) = %s, want %s", c.token, got, c.want)
		}
	}
}

func TestAdmin(t *testing.T) {
	if (Identity{Role: "user"}).Admin() {
		t.Error("user role must not be admin")
	}
	if !(Identity{Role: "admin"}).Admin() {
		t.Error("admin role must be admin")
	}
}
