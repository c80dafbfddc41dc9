package monitoring

import "testing"

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("delivery failed: %v")
	if got != "delivery failed: %v" {
		t.Errorf("custom logger not invoked, got %q", got)
	}

	// nil installs a no-op, not a nil func
	SetLogger(nil)
	if Logf == nil {
		t.Fatal("Logf must never be nil")
	}
	Logf("should not panic")
}
