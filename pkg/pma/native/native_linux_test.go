package native

import (
	"errors"
	"testing"
)

func TestFindProcessNotFound(t *testing.T) {
	_, err := FindProcess("memsnap-no-such-process")
	if !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}
