package upload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func files(names ...string) []FileHandle {
	out := make([]FileHandle, len(names))
	for i, n := range names {
		out[i] = FileHandle{Path: "/data/" + n, Name: n}
	}
	return out
}

func endpoints(ids ...string) []Endpoint {
	out := make([]Endpoint, len(ids))
	for i, id := range ids {
		out[i] = Endpoint{ID: id, URL: "http://" + id}
	}
	return out
}

func TestPlanCrossProduct(t *testing.T) {
	tasks := Plan(files("f1", "f2", "f3"), endpoints("a", "b"))
	require.Len(t, tasks, 6)

	seen := map[TaskKey]bool{}
	for _, tk := range tasks {
		require.Equal(t, StatusPending, tk.Status)
		require.Zero(t, tk.Attempt)
		require.False(t, seen[tk.Key()], "duplicate %v", tk.Key())
		seen[tk.Key()] = true
	}

	// Files outer, endpoints inner.
	require.Equal(t, "f1", tasks[0].File.Name)
	require.Equal(t, "a", tasks[0].Endpoint.ID)
	require.Equal(t, "f1", tasks[1].File.Name)
	require.Equal(t, "b", tasks[1].Endpoint.ID)
	require.Equal(t, "f2", tasks[2].File.Name)
}

func TestPlanEmpty(t *testing.T) {
	require.Empty(t, Plan(nil, endpoints("a")))
	require.Empty(t, Plan(files("f"), nil))
}

func TestDedupFiles(t *testing.T) {
	in := append(files("x", "y"), files("x")...)
	require.Equal(t, files("x", "y"), DedupFiles(in))
}

func TestNewFileHandle(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(p, make([]byte, 2048), 0o600))

	f, err := NewFileHandle(p)
	require.NoError(t, err)
	require.Equal(t, p, f.Path)
	require.Equal(t, "blob.bin", f.Name)
	require.Equal(t, int64(2048), f.Size)
	require.Equal(t, "2.0 kB", f.FormattedSize())

	_, err = NewFileHandle(dir)
	require.Error(t, err)
	_, err = NewFileHandle(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestAuthHeader(t *testing.T) {
	cases := []struct {
		auth Auth
		want string
		ok   bool
	}{
		{Auth{Kind: AuthBearer, Token: "abc"}, "Bearer abc", true},
		{Auth{Kind: AuthBasic, Username: "u", Password: "p"}, "Basic dTpw", true},
		{Auth{Kind: AuthBasicBase64, Username: "u", Password: "p"}, "Basic dTpw", true},
		{Auth{Kind: AuthBearer}, "", false},
		{Auth{Kind: AuthBasic, Password: "p"}, "", false},
		{Auth{Kind: AuthNone}, "", false},
		{Auth{}, "", false},
	}
	for _, tc := range cases {
		got, ok := tc.auth.Header()
		require.Equal(t, tc.ok, ok, "%+v", tc.auth)
		require.Equal(t, tc.want, got)
	}
}

func TestParseAuthKind(t *testing.T) {
	k, err := ParseAuthKind(" Bearer ")
	require.NoError(t, err)
	require.Equal(t, AuthBearer, k)
	k, err = ParseAuthKind("")
	require.NoError(t, err)
	require.Equal(t, AuthNone, k)
	_, err = ParseAuthKind("digest")
	require.Error(t, err)
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())
	require.NoError(t, Limits{MaxConcurrentUploads: 10, MaxRetryAttempts: 0}.Validate())

	var ve *ValidationError
	require.ErrorAs(t, Limits{MaxConcurrentUploads: 0, MaxRetryAttempts: 1}.Validate(), &ve)
	require.Equal(t, "max_concurrent_uploads", ve.Field)
	require.ErrorAs(t, Limits{MaxConcurrentUploads: 11}.Validate(), &ve)
	require.ErrorAs(t, Limits{MaxConcurrentUploads: 1, MaxRetryAttempts: 6}.Validate(), &ve)
	require.Equal(t, "max_retry_attempts", ve.Field)
}
