package env

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("TEST_ENV_DURATION", "90s")
	d, err := Duration("TEST_ENV_DURATION", time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("Duration()=%v, want 90s", d)
	}

	if _, err := Duration("TEST_ENV_DURATION_MISSING", time.Second); err != nil {
		t.Fatalf("Duration() default err=%v", err)
	}

	t.Setenv("TEST_ENV_DURATION", "not-a-duration")
	if _, err := Duration("TEST_ENV_DURATION", time.Second); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBool(t *testing.T) {
	t.Setenv("TEST_ENV_BOOL", "true")
	b, err := Bool("TEST_ENV_BOOL", false)
	if err != nil {
		t.Fatalf("Bool() err=%v", err)
	}
	if !b {
		t.Fatalf("Bool()=false, want true")
	}

	t.Setenv("TEST_ENV_BOOL", "banana")
	if _, err := Bool("TEST_ENV_BOOL", false); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestStrings(t *testing.T) {
	t.Setenv("TEST_ENV_STRINGS", "a, b,,c")
	got := Strings("TEST_ENV_STRINGS", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("Strings()=%v, want [a b c]", got)
	}

	def := []string{"x"}
	if got := Strings("TEST_ENV_STRINGS_MISSING", def); len(got) != 1 || got[0] != "x" {
		t.Fatalf("Strings() default=%v, want [x]", got)
	}
}
