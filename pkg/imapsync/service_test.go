package imapsync

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	cursor := formatCursor(1234, 89)
	validity, next, err := parseCursor(cursor)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if validity != 1234 || next != 89 {
		t.Fatalf("round trip mismatch: got %d:%d", validity, next)
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"", "abc", "12", "12:abc"} {
		if _, _, err := parseCursor(cursor); err == nil {
			t.Errorf("expected parse of %q to fail", cursor)
		}
	}
}

func TestParseCursorZeroUIDStartsAtOne(t *testing.T) {
	_, next, err := parseCursor("55:0")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected UID floor of 1, got %d", next)
	}
}
