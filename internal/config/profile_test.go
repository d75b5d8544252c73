package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"uploadcast/internal/upload"
)

func sampleProfile() Profile {
	return Profile{
		MaxConcurrentUploads: 4,
		MaxRetryAttempts:     1,
		Endpoints: []EndpointConfig{
			{ID: "a", Name: "alpha", URL: "https://a.example.com/up", Auth: AuthConfig{Type: "basic", Username: "u", Password: "p"}},
			{ID: "b", Name: "beta", URL: "http://b.local/up"},
		},
	}
}

func TestProfileRoundTripFormats(t *testing.T) {
	for _, name := range []string{"profile.json", "profile.yaml"} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteProfile(p, sampleProfile()))
			got, err := ReadProfile(p)
			require.NoError(t, err)
			require.Equal(t, sampleProfile(), got)

			// no temp files left behind
			entries, err := os.ReadDir(filepath.Dir(p))
			require.NoError(t, err)
			require.Len(t, entries, 1)
		})
	}
}

func TestDecodeProfileDefaultsAndErrors(t *testing.T) {
	p, err := DecodeProfile("p.json", []byte(`{"endpoints":[]}`))
	require.NoError(t, err)
	require.Equal(t, upload.DefaultLimits().MaxConcurrentUploads, p.MaxConcurrentUploads)

	_, err = DecodeProfile("p.json", []byte(`{"max_concurrent_uploads":0}`))
	require.Error(t, err)
	_, err = DecodeProfile("p.json", []byte(`{"endpoints":[{"url":"http://x","auth":{"type":"ntlm"}}]}`))
	require.Error(t, err)
	_, err = DecodeProfile("p.json", []byte(`{"extra":true}`))
	require.Error(t, err)
}

func TestEndpointConversionRoundTrip(t *testing.T) {
	ec := sampleProfile().Endpoints[0]
	ep, err := ec.Endpoint()
	require.NoError(t, err)
	require.Equal(t, upload.AuthBasic, ep.Auth.Kind)
	require.Equal(t, ec, FromEndpoint(ep))

	none := FromEndpoint(upload.Endpoint{URL: "http://x", Auth: upload.Auth{Kind: upload.AuthNone}})
	require.Empty(t, none.Auth.Type)
}
