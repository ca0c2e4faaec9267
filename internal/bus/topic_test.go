package bus

import "testing"

func TestMatchTopicExact(t *testing.T) {
	if !matchTopic("task:created", "task:created") {
		t.Fatal("expected exact match")
	}
	if matchTopic("task:created", "task:updated") {
		t.Fatal("expected no match")
	}
}

func TestMatchTopicSingleWildcard(t *testing.T) {
	cases := []struct {
		topic, pattern string
		want           bool
	}{
		{"task:agent-1:created", "task:*:created", true},
		{"task:agent-1:agent-2:created", "task:*:created", false},
		{"task:created", "task:*:created", false},
		{"task:agent-1:updated", "task:*:created", false},
	}
	for _, c := range cases {
		if got := matchTopic(c.topic, c.pattern); got != c.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", c.topic, c.pattern, got, c.want)
		}
	}
}

func TestMatchTopicDoubleWildcard(t *testing.T) {
	cases := []struct {
		topic, pattern string
		want           bool
	}{
		{"task:agent-1:created", "task:**", true},
		{"task:agent-1:agent-2:created", "task:**", true},
		{"task", "task:**", false},
		{"agent:agent-1:created", "task:**", false},
	}
	for _, c := range cases {
		if got := matchTopic(c.topic, c.pattern); got != c.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", c.topic, c.pattern, got, c.want)
		}
	}
}

func TestMatchTopicDoubleWildcardMustBeTrailing(t *testing.T) {
	if matchTopic("task:agent-1:created", "**:created") {
		t.Fatal("'**' is only valid as the final pattern segment")
	}
}

func TestIsValidTopic(t *testing.T) {
	valid := []string{"task:created", "task:*:created", "task:**", "a_b-1"}
	for _, v := range valid {
		if !isValidTopic(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	invalid := []string{"", "task created", "task.created", "task/created"}
	for _, v := range invalid {
		if isValidTopic(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}
