package logging

import "testing"

func TestNew(t *testing.T) {
	for _, env := range []string{"local", "production"} {
		l, err := New("outcome-exchange", env)
		if err != nil {
			t.Fatalf("env=%s: unexpected error: %v", env, err)
		}
		if l == nil {
			t.Fatalf("env=%s: expected a logger", env)
		}
		l.Info("hello")
		_ = l.Sync()
	}
}
