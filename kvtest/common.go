package kvtest

// testT is the minimal testing interface used by kvtest utilities.
type testT interface {
	Helper()
	Fatalf(format string, args ...any)
	Errorf(format string, args ...any)
}

// require fails the test immediately if the condition is false.
func require(t testT, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// requireNoError fails the test immediately if err is not nil.
func requireNoError(t testT, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf(format, args...)
	}
}

// check reports an error if the condition is false, but continues the test.
func check(t testT, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Errorf(format, args...)
	}
}
