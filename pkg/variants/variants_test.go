package variants

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-edge/pkg/domain"
)

func sel(id string, idx int) domain.VariantSelection {
	return domain.VariantSelection{ExperienceID: id, VariantIndex: idx}
}

func TestRewritePath(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		selections []domain.VariantSelection
		want       string
	}{
		{name: "single experiment", path: "/pricing", selections: []domain.VariantSelection{sel("exp1", 1)}, want: "/;exp1=1/pricing"},
		{name: "sorted pairs", path: "/", selections: []domain.VariantSelection{sel("p2", 2), sel("p1", 0)}, want: "/;p1=0,p2=2"},
		{name: "no selections root", path: "/", want: "/;"},
		{name: "no selections path", path: "/about", want: "/;/about"},
		{name: "trailing slash", path: "/docs/", selections: []domain.VariantSelection{sel("a", 0)}, want: "/;a=0/docs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewritePath(tt.path, tt.selections))
		})
	}
}

// Encoding is insensitive to the order selections arrive in.
func TestEncodeOrderInvarianceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z][a-z0-9]{0,6}`), 0, 8, rapid.ID[string]).Draw(t, "ids")
		selections := make([]domain.VariantSelection, len(ids))
		for i, id := range ids {
			selections[i] = sel(id, rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("index_%d", i)))
		}
		shuffled := rapid.Permutation(selections).Draw(t, "shuffled")

		if Encode(selections) != Encode(shuffled) {
			t.Fatalf("encoding depends on order: %q vs %q", Encode(selections), Encode(shuffled))
		}

		decoded, err := Decode(Encode(shuffled))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(decoded) != len(selections) {
			t.Fatalf("expected %d entries, got %d", len(selections), len(decoded))
		}
		for _, s := range selections {
			if decoded[s.ExperienceID] != s.VariantIndex {
				t.Fatalf("experience %s: expected %d, got %d", s.ExperienceID, s.VariantIndex, decoded[s.ExperienceID])
			}
		}
	})
}

func TestSplit(t *testing.T) {
	segment, rest, ok := Split("/;exp1=1,p1=0/pricing/plans")
	require.True(t, ok)
	assert.Equal(t, "exp1=1,p1=0", segment)
	assert.Equal(t, "/pricing/plans", rest)

	segment, rest, ok = Split("/;p1=0")
	require.True(t, ok)
	assert.Equal(t, "p1=0", segment)
	assert.Equal(t, "/", rest)

	_, rest, ok = Split("/pricing")
	assert.False(t, ok)
	assert.Equal(t, "/pricing", rest)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, segment := range []string{"exp1", "=1", "exp1=x", "exp1=-1"} {
		_, err := Decode(segment)
		assert.ErrorIs(t, err, ErrInvalidSegment, segment)
	}

	got, err := Decode("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
