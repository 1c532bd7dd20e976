package keys

import "testing"

func TestLayout(t *testing.T) {
	l := New("bp:")

	cases := []struct {
		got  string
		want string
	}{
		{l.Cache("user:1"), "bp:cache:user:1"},
		{l.CachePattern(), "bp:cache:*"},
		{l.Queue("inference"), "bp:queue:inference"},
		{l.Job("j1"), "bp:queue:job:j1"},
		{l.QueueStats("inference"), "bp:queue:inference:stats"},
		{l.Retry(), "bp:retry"},
		{l.EventChannel("ticks"), "bp:events:ticks"},
		{l.Session("s1"), "bp:session:s1"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("key = %q, want %q", tc.got, tc.want)
		}
	}
}

func TestLayoutEmptyPrefix(t *testing.T) {
	l := New("")
	if got := l.Queue("q"); got != "queue:q" {
		t.Fatalf("key = %q, want %q", got, "queue:q")
	}
}
