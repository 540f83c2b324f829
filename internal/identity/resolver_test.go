package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAliases struct {
	kind  string
	id    int64
	err   error
	calls []string
}

func (s *stubAliases) ResolveAlias(_ context.Context, name string) (string, int64, error) {
	s.calls = append(s.calls, name)
	return s.kind, s.id, s.err
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://vk.com/club4455", want: "club4455"},
		{in: "http://vk.com/Public77/", want: "public77"},
		{in: "https://m.vk.com/somealias?w=wall-1_2#top", want: "somealias"},
		{in: "https://vk.com/some%2Ealias/wall", want: "some.alias"},
		{in: "  ID778 ", want: "id778"},
		{in: "-4455", want: "-4455"},
		{in: "name with spaces!", want: "namewithspaces"},
		{in: "https://vk.com/", want: ""},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestResolveStructuralPatterns(t *testing.T) {
	aliases := &stubAliases{}
	r := NewResolver(aliases, nil)
	ctx := context.Background()

	tests := []struct {
		ref  string
		want int64
	}{
		{ref: "https://host/club4455", want: -4455},
		{ref: "public12", want: -12},
		{ref: "event3", want: -3},
		{ref: "id778", want: 778},
		{ref: "-4455", want: -4455},
		{ref: "4455", want: 4455},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Empty(t, aliases.calls, "structural references must not hit the alias resolver")
}

func TestResolveAlias(t *testing.T) {
	ctx := context.Background()

	t.Run("group kinds are negated", func(t *testing.T) {
		for _, kind := range []string{"group", "page", "event"} {
			aliases := &stubAliases{kind: kind, id: 321}
			got, err := NewResolver(aliases, nil).Resolve(ctx, "somealias")
			require.NoError(t, err)
			assert.Equal(t, int64(-321), got, kind)
			assert.Equal(t, []string{"somealias"}, aliases.calls)
		}
	})

	t.Run("user kind stays positive", func(t *testing.T) {
		aliases := &stubAliases{kind: "user", id: 321}
		got, err := NewResolver(aliases, nil).Resolve(ctx, "durov")
		require.NoError(t, err)
		assert.Equal(t, int64(321), got)
	})

	t.Run("single upstream call per alias", func(t *testing.T) {
		aliases := &stubAliases{kind: "group", id: 5}
		r := NewResolver(aliases, nil)
		for i := 0; i < 3; i++ {
			_, err := r.Resolve(ctx, "https://vk.com/somealias")
			require.NoError(t, err)
		}
		assert.Len(t, aliases.calls, 1)
	})
}

func TestResolveFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		ref     string
		aliases AliasResolver
	}{
		{name: "empty", ref: "   "},
		{name: "only punctuation", ref: "!!!"},
		{name: "zero id", ref: "club0"},
		{name: "overflow", ref: "99999999999999999999"},
		{name: "alias error", ref: "broken", aliases: &stubAliases{err: errors.New("api down")}},
		{name: "alias without id", ref: "ghost", aliases: &stubAliases{kind: "group"}},
		{name: "no alias resolver", ref: "alias"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.aliases, nil).Resolve(ctx, tt.ref)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotResolvable), "unexpected error: %v", err)
		})
	}
}
