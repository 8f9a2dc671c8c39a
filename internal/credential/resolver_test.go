package credential

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/feedpipe/internal/acquire"
)

func TestResolve_Precedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		env      string
		src      Sources
		wantCred string
		wantProv Provenance
	}{
		{"query wins", "c", Sources{Query: "a", Header: "b"}, "a", ProvenanceQuery},
		{"header over env", "c", Sources{Header: "b"}, "b", ProvenanceHeader},
		{"env fallback", "c", Sources{}, "c", ProvenanceEnvironment},
		{"blank query ignored", "", Sources{Query: "   ", Header: "b"}, "b", ProvenanceHeader},
		{"anonymous", "", Sources{}, "", ProvenanceNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(Config{Environment: tt.env}, nil)
			got := r.Resolve(tt.src)
			require.Equal(t, tt.wantCred, got.Credential)
			require.Equal(t, tt.wantProv, got.Provenance)
		})
	}
}

func TestResolve_MissingIsInformational(t *testing.T) {
	t.Parallel()

	res := NewResolver(Config{}, nil).Resolve(Sources{})
	require.ErrorIs(t, res.Err(), acquire.ErrCredentialMissing)

	res = NewResolver(Config{Environment: "sid=1"}, nil).Resolve(Sources{})
	require.NoError(t, res.Err())
}

func TestResolve_LayeredAppendsEnvironment(t *testing.T) {
	t.Parallel()

	r := NewResolver(Config{Environment: "token=env; sid=1", Layered: true}, nil)

	got := r.Resolve(Sources{Query: "sid=1; user=q"})
	require.Equal(t, ProvenanceQuery, got.Provenance)
	require.Equal(t, "sid=1; user=q; token=env", got.Credential)

	got = r.Resolve(Sources{})
	require.Equal(t, ProvenanceEnvironment, got.Provenance)
	require.Equal(t, "token=env; sid=1", got.Credential)
}

func TestBundleOrder(t *testing.T) {
	t.Parallel()

	r := NewResolver(Config{Environment: "c"}, nil)
	b := r.Bundle(Sources{Query: "a", Header: "b"})
	require.Equal(t, []string{"a", "b", "c"}, b.Values())
	require.Equal(t, ProvenanceHeader, b[1].Source)
}

func TestResolve_AuditRecordNeverLeaksCredential(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	r := NewResolver(Config{PreviewLen: 4}, zap.New(core))
	secret := "session=abcdefghijklmnop"
	r.Resolve(Sources{Header: secret})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "header", fields["provenance"])
	require.Equal(t, "sess…", fields["preview"])
	for _, v := range fields {
		if s, ok := v.(string); ok {
			require.NotContains(t, s, "abcdefghijklmnop")
		}
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", Preview("", 6))
	require.Equal(t, "***", Preview("abc", 6))
	require.Equal(t, "abcdef…", Preview("abcdefgh", 6))
	require.Equal(t, "…", Preview("abcdefgh", 0))
}
