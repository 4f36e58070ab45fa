package ids

import "testing"

func TestPrefixesAndUniqueness(t *testing.T) {
	cases := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"Event", Event, "evt_"},
		{"Outbox", Outbox, "out_"},
		{"Turn", Turn, "turn_"},
		{"Lease", Lease, "lease_"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a, b := c.gen(), c.gen()
			if len(a) <= len(c.prefix) || a[:len(c.prefix)] != c.prefix {
				t.Errorf("%s() = %q, want prefix %q", c.name, a, c.prefix)
			}
			if a == b {
				t.Error("expected successive calls to produce distinct ids")
			}
		})
	}
}
