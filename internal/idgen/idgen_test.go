package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(SessionPrefix)
	if !strings.HasPrefix(id, "ses_") || len(id) != 4+24 {
		t.Fatalf("unexpected id %q", id)
	}
	if WithPrefix(SessionPrefix) == id {
		t.Fatal("ids should not repeat")
	}
}
