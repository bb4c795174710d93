package sanctions

import (
	"context"
)

type listEntry struct {
	ID      string
	Name    string
	Aliases []string
	List    string
	Country string
}

// Built-in OFAC SDN style reference entries. Used by the CLI's offline
// mode and by tests; production deployments point at a real directory.
var staticEntries = []listEntry{
	{
		ID:      "SDN-001",
		Name:    "ACME Shell Corporation",
		Aliases: []string{"ACME Holdings", "ACME LLC"},
		List:    "OFAC SDN",
		Country: "Unknown",
	},
	{
		ID:      "SDN-002",
		Name:    "Offshore Trust Ltd",
		Aliases: []string{"OT Limited", "Offshore Holdings"},
		List:    "OFAC SDN",
		Country: "Cayman Islands",
	},
	{
		ID:      "SDN-003",
		Name:    "XYZ Holdings International",
		Aliases: []string{"XYZ Global", "XYZ Finance"},
		List:    "OFAC SDN",
		Country: "Panama",
	},
	{
		ID:      "SDN-004",
		Name:    "Suspicious Trading Co",
		Aliases: []string{"STC Trading", "S.T. Company"},
		List:    "UN Consolidated",
		Country: "Syria",
	},
	{
		ID:      "SDN-005",
		Name:    "Shadow Finance Group",
		Aliases: []string{"SFG Ltd", "Shadow Holdings"},
		List:    "EU Sanctions",
		Country: "Russia",
	},
}

// StaticDirectory matches against the built-in reference list with the
// same scoring rules as the HTTP client.
type StaticDirectory struct {
	entries   []listEntry
	threshold float64
}

func NewStaticDirectory(threshold float64) *StaticDirectory {
	if threshold == 0 {
		threshold = 0.85
	}
	return &StaticDirectory{entries: staticEntries, threshold: threshold}
}

// NewStaticDirectoryWith builds a directory over custom entries, for tests.
func NewStaticDirectoryWith(threshold float64, entries []Match) *StaticDirectory {
	converted := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		converted = append(converted, listEntry{ID: e.ListEntryID, Name: e.Name, List: e.List, Country: e.Country})
	}
	if threshold == 0 {
		threshold = 0.85
	}
	return &StaticDirectory{entries: converted, threshold: threshold}
}

func (d *StaticDirectory) Lookup(ctx context.Context, name string, identifiers []string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matches []Match
	for _, entry := range d.entries {
		best := score(name, entry.Name, d.threshold)
		for _, alias := range entry.Aliases {
			if m := score(name, alias, d.threshold); m != nil && (best == nil || m.Similarity > best.Similarity) {
				best = m
			}
		}
		if best == nil {
			continue
		}
		best.ListEntryID = entry.ID
		best.List = entry.List
		best.Country = entry.Country
		matches = append(matches, *best)
	}
	sortMatches(matches)
	return matches, nil
}
