package cookies

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-edge/pkg/domain"
)

func TestParse(t *testing.T) {
	jar := Parse("ntaid=abc; theme=dark ;flag; token=a=b=c")

	assert.Equal(t, "abc", jar["ntaid"])
	assert.Equal(t, "dark", jar["theme"])
	assert.Equal(t, "", jar["flag"])
	assert.Contains(t, jar, "flag")
	assert.Equal(t, "a=b=c", jar["token"])
}

func TestParseEmptyHeader(t *testing.T) {
	jar := Parse("")
	require.NotNil(t, jar)
	assert.Empty(t, jar)
}

// Any well-formed name/value list survives a join and re-parse.
func TestParseRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`), 0, 6, rapid.ID[string]).Draw(t, "names")
		pairs := make([]string, 0, len(names))
		want := make(map[string]string, len(names))
		for i, name := range names {
			value := rapid.StringMatching(`[A-Za-z0-9%._=-]{0,16}`).Draw(t, "value_"+string(rune('a'+i)))
			pairs = append(pairs, name+"="+value)
			want[name] = value
		}

		got := Parse(strings.Join(pairs, "; "))
		if len(got) != len(want) {
			t.Fatalf("expected %d cookies, got %d", len(want), len(got))
		}
		for name, value := range want {
			if got[name] != value {
				t.Fatalf("cookie %q: expected %q, got %q", name, value, got[name])
			}
		}
	})
}

// Arbitrary header bytes never panic.
func TestParseArbitraryInputProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		header := rapid.String().Draw(t, "header")
		jar := Parse(header)
		if jar == nil {
			t.Fatal("Parse returned nil map")
		}
	})
}

func TestProfileCacheRoundTrip(t *testing.T) {
	cache := domain.NewEmptyProfileCache()
	cache.Audiences = []string{"aud-1"}
	cache.Traits["nt_experiment_exp2"] = float64(1)
	cache.Location = domain.GeoLocation{City: "Berlin; Mitte", Country: "DE"}

	encoded, err := EncodeProfileCache(cache)
	require.NoError(t, err)
	assert.NotContains(t, encoded, ";")
	assert.NotContains(t, encoded, " ")

	got := ReadProfileCache(map[string]string{ProfileCacheCookie: encoded}, nil)
	assert.Equal(t, cache.ID, got.ID)
	assert.Equal(t, []string{"aud-1"}, got.Audiences)
	assert.Equal(t, float64(1), got.Traits["nt_experiment_exp2"])
	assert.Equal(t, "Berlin; Mitte", got.Location.City)
}

func TestReadProfileCacheFallsBack(t *testing.T) {
	tests := []struct {
		name string
		jar  map[string]string
	}{
		{name: "missing", jar: map[string]string{}},
		{name: "bad escape", jar: map[string]string{ProfileCacheCookie: "%zz"}},
		{name: "not json", jar: map[string]string{ProfileCacheCookie: "hello"}},
		{name: "no id", jar: map[string]string{ProfileCacheCookie: "%7B%22random%22%3A0.5%7D"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := ReadProfileCache(tt.jar, nil)
			assert.NotEmpty(t, cache.ID)
			assert.NotNil(t, cache.Traits)
			assert.Empty(t, cache.Audiences)
		})
	}
}

func TestDecodeProfileCacheClassifiesErrors(t *testing.T) {
	_, err := DecodeProfileCache("%7Bbroken")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedCookie)
}

func TestSetCookie(t *testing.T) {
	assert.Equal(t, "ntaid=abc; Path=/", SetCookie(AnonymousIDCookie, "abc"))
}
