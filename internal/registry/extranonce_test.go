package registry

import "testing"

func TestNewExtranonceCounterBounds(t *testing.T) {
	cases := []struct {
		name    string
		width   int
		wantErr bool
	}{
		{"too narrow", 1, true},
		{"minimum width", 2, false},
		{"typical width", 4, false},
		{"too wide", 9, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewExtranonceCounter(0x01, tc.width)
			if tc.wantErr && err == nil {
				t.Fatalf("width %d: expected error, got nil", tc.width)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("width %d: unexpected error: %v", tc.width, err)
			}
		})
	}
}

func TestExtranonceCounterIssuesUniquePrefixes(t *testing.T) {
	c, err := NewExtranonceCounter(0x07, 3)
	if err != nil {
		t.Fatalf("NewExtranonceCounter: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e1, err := c.NewExtranonce1()
		if err != nil {
			t.Fatalf("NewExtranonce1 #%d: %v", i, err)
		}
		if len(e1) != 3 {
			t.Fatalf("expected width 3, got %d", len(e1))
		}
		if e1[0] != 0x07 {
			t.Fatalf("expected instance byte 0x07, got %#x", e1[0])
		}
		key := string(e1)
		if seen[key] {
			t.Fatalf("duplicate extranonce1 issued: %x", e1)
		}
		seen[key] = true
	}
}

func TestExtranonceCounterRefusesOnOverflow(t *testing.T) {
	// width 2 means a single counter byte: 255 issuable values before overflow.
	c, err := NewExtranonceCounter(0x00, 2)
	if err != nil {
		t.Fatalf("NewExtranonceCounter: %v", err)
	}

	var lastErr error
	for i := 0; i < 256; i++ {
		_, lastErr = c.NewExtranonce1()
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected counter to refuse once the counter space is exhausted")
	}
}
