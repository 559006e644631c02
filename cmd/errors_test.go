package cmd

import "testing"

func TestInvalidTargetError(t *testing.T) {
	err := &InvalidTargetError{Target: "ftp://example.com"}
	want := `invalid target "ftp://example.com": expected an http(s) URL or host name`
	if err.Error() != want {
		t.Fatalf("expected %s, got %s", want, err.Error())
	}
}
