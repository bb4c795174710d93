package sanctions

import (
	"context"
	"testing"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		candidate string
		exact     bool
		matched   bool
	}{
		{"exact", "ACME Shell Corporation", "ACME Shell Corporation", true, true},
		{"exact case-insensitive", "acme shell corporation", "ACME Shell Corporation", true, true},
		{"exact extra whitespace", "  ACME   Shell Corporation ", "ACME Shell Corporation", true, true},
		{"near match", "ACME Shell Corp", "ACME Shell Corporation", false, true},
		{"unrelated", "Quiet Bakery", "ACME Shell Corporation", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := score(tt.query, tt.candidate, 0.85)
			if (m != nil) != tt.matched {
				t.Fatalf("expected matched=%v, got %v", tt.matched, m)
			}
			if m == nil {
				return
			}
			if m.Exact != tt.exact {
				t.Errorf("expected exact=%v, got %v", tt.exact, m.Exact)
			}
			if tt.exact && m.Similarity != 1 {
				t.Errorf("exact match must score 1, got %v", m.Similarity)
			}
			if m.Similarity < 0.85 || m.Similarity > 1 {
				t.Errorf("similarity %v outside [0.85, 1]", m.Similarity)
			}
		})
	}
}

func TestScore_ThresholdFilters(t *testing.T) {
	if m := score("ACME Shell Corp", "ACME Shell Corporation", 0.999); m != nil {
		t.Errorf("expected near match filtered at strict threshold, got %v", m.Similarity)
	}
}

func TestStaticDirectory_Lookup(t *testing.T) {
	d := NewStaticDirectory(0.85)

	matches, err := d.Lookup(context.Background(), "ACME Shell Corporation", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected a match for a listed name")
	}
	if matches[0].ListEntryID != "SDN-001" || !matches[0].Exact {
		t.Errorf("expected exact SDN-001 first, got %+v", matches[0])
	}

	matches, err = d.Lookup(context.Background(), "Quiet Bakery LLC", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches for unlisted name, got %d", len(matches))
	}
}

func TestStaticDirectory_AliasMatch(t *testing.T) {
	d := NewStaticDirectory(0.85)

	matches, err := d.Lookup(context.Background(), "XYZ Global", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected alias to match")
	}
	if matches[0].ListEntryID != "SDN-003" {
		t.Errorf("expected SDN-003 via alias, got %s", matches[0].ListEntryID)
	}
}

func TestSortMatches(t *testing.T) {
	matches := []Match{
		{ListEntryID: "SDN-009", Similarity: 0.9},
		{ListEntryID: "SDN-001", Similarity: 1},
		{ListEntryID: "SDN-002", Similarity: 0.9},
	}
	sortMatches(matches)

	if matches[0].ListEntryID != "SDN-001" {
		t.Errorf("expected highest similarity first, got %s", matches[0].ListEntryID)
	}
	if matches[1].ListEntryID != "SDN-002" || matches[2].ListEntryID != "SDN-009" {
		t.Error("ties must break on list entry id")
	}
}

func TestStaticDirectory_CanceledContext(t *testing.T) {
	d := NewStaticDirectory(0.85)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Lookup(ctx, "ACME Shell Corporation", nil); err == nil {
		t.Error("expected error for canceled context")
	}
}
