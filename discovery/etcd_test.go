package discovery

import (
	"slices"
	"testing"
)

func TestParseKey(t *testing.T) {
	cases := []struct {
		key  string
		id   string
		want bool
	}{
		{DefaultPrefix + "abc", "abc", true},
		{DefaultPrefix, "", false},
		{DefaultPrefix + "a/b", "", false},
		{"/other/abc", "", false},
	}
	for _, tc := range cases {
		id, ok := parseKey(DefaultPrefix, tc.key)
		if id != tc.id || ok != tc.want {
			t.Errorf("parseKey(%q) = %q, %v; want %q, %v", tc.key, id, ok, tc.id, tc.want)
		}
	}
}

func TestAddressesSkipsSelf(t *testing.T) {
	peers := map[string]string{"self": "10.0.0.1:7946", "b": "10.0.0.2:7946", "c": "10.0.0.3:7946", "d": ""}
	got := Addresses(peers, "self")
	slices.Sort(got)
	if want := []string{"10.0.0.2:7946", "10.0.0.3:7946"}; !slices.Equal(got, want) {
		t.Fatalf("Addresses = %v, want %v", got, want)
	}
}
