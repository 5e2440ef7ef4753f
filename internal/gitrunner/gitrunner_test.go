package gitrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/pkg/models"
)

func TestParseEnvelope(t *testing.T) {
	stdout := []byte(`cloning into workspace...
__GIT_RESULT_START__
{"success": true, "data": {"branch": "main", "commits": 3}}
__GIT_RESULT_END__
`)
	result := ParseEnvelope(stdout)
	require.True(t, result.Success)
	assert.Equal(t, "main", result.Data["branch"])
	assert.Equal(t, float64(3), result.Data["commits"])
}

func TestParseEnvelopeFailure(t *testing.T) {
	stdout := []byte(`__GIT_RESULT_START__
{"success": false, "error": "remote 'origin' not configured"}
__GIT_RESULT_END__`)
	result := ParseEnvelope(stdout)
	assert.False(t, result.Success)
	assert.Equal(t, "remote 'origin' not configured", result.Error)
}

func TestParseEnvelopeMissing(t *testing.T) {
	for _, stdout := range [][]byte{
		nil,
		[]byte("worker crashed before printing anything"),
		[]byte("__GIT_RESULT_END__ garbage __GIT_RESULT_START__"),
		[]byte("__GIT_RESULT_START__ only a start marker"),
	} {
		result := ParseEnvelope(stdout)
		assert.False(t, result.Success)
		assert.Equal(t, "no result envelope", result.Error)
	}
}

func TestParseEnvelopeMalformedJSON(t *testing.T) {
	stdout := []byte("__GIT_RESULT_START__\n{not json}\n__GIT_RESULT_END__")
	result := ParseEnvelope(stdout)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "malformed result envelope")
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		message string
		kind    apperr.Kind
	}{
		{"Authentication failed for 'https://github.com/u/repo.git'", apperr.KindGitAuthRequired},
		{"remote: Permission denied (publickey).", apperr.KindGitAuthRequired},
		{"fatal: could not read Username for 'https://github.com'", apperr.KindGitAuthRequired},
		{"remote: Invalid credentials provided", apperr.KindGitAuthRequired},
		{"The requested URL returned error: 403", apperr.KindGitAuthRequired},
		{"fatal: No such remote 'origin'", apperr.KindGitRemoteMissing},
		{"no remote configured for this repository", apperr.KindGitRemoteMissing},
		{"fatal: 'origin' does not appear to be a git repository", apperr.KindGitRemoteMissing},
		{"CONFLICT (content): Merge conflict in main.py", apperr.KindGitConflict},
		{"error: you need to resolve your current index first: needs merge", apperr.KindGitConflict},
		{"! [rejected] main -> main (non-fast-forward)", apperr.KindGitConflict},
		{"error: Your local changes would be overwritten by merge", apperr.KindGitConflict},
		{"fatal: unable to access: connection reset", apperr.KindGitInternal},
		{"no result envelope", apperr.KindGitInternal},
		{"", apperr.KindGitInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, ClassifyFailure(tc.message), tc.message)
	}
}

type fakeProjects struct {
	projects map[uint]*models.Project
	updated  map[uint]*string
}

func (f *fakeProjects) Get(_ context.Context, projectID uint) (*models.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "project %d not found", projectID)
	}
	return p, nil
}

func (f *fakeProjects) UpdateGithubURL(_ context.Context, projectID uint, url *string) error {
	if f.updated == nil {
		f.updated = make(map[uint]*string)
	}
	f.updated[projectID] = url
	return nil
}

func TestExecuteRejectsUnknownOperation(t *testing.T) {
	r := New(DefaultConfig(), nil, nil, &fakeProjects{})

	_, err := r.Execute(context.Background(), 1, 1, "rebase", nil, Credentials{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestExecuteRejectsForeignProject(t *testing.T) {
	projects := &fakeProjects{projects: map[uint]*models.Project{
		5: {ID: 5, OwnerID: 2},
	}}
	r := New(DefaultConfig(), nil, nil, projects)

	_, err := r.Execute(context.Background(), 1, 5, "status", nil, Credentials{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRecordRemoteChange(t *testing.T) {
	projects := &fakeProjects{projects: map[uint]*models.Project{
		5: {ID: 5, OwnerID: 1},
	}}
	r := New(DefaultConfig(), nil, nil, projects)
	ctx := context.Background()

	// add-remote with a token-bearing URL records the bare form.
	r.recordRemoteChange(ctx, 5, "add-remote",
		map[string]interface{}{"url": "https://tok@github.com/u/repo.git"}, &Result{Success: true})
	require.Contains(t, projects.updated, uint(5))
	require.NotNil(t, projects.updated[5])
	assert.Equal(t, "https://github.com/u/repo.git", *projects.updated[5])

	// Non-origin remotes are not mirrored.
	delete(projects.updated, 5)
	r.recordRemoteChange(ctx, 5, "add-remote",
		map[string]interface{}{"name": "upstream", "url": "https://github.com/other/repo.git"}, &Result{Success: true})
	assert.NotContains(t, projects.updated, uint(5))

	// remove-remote origin clears the record.
	r.recordRemoteChange(ctx, 5, "remove-remote", map[string]interface{}{}, &Result{Success: true})
	require.Contains(t, projects.updated, uint(5))
	assert.Nil(t, projects.updated[5])
}

func TestUploadScopes(t *testing.T) {
	for op, scope := range map[string]string{
		"init": ".git", "add": ".git", "commit": ".git", "push": ".git",
		"add-remote": ".git", "remove-remote": ".git",
		"pull": "", "clone": "",
	} {
		got, ok := uploadScope[op]
		require.True(t, ok, op)
		assert.Equal(t, scope, got, op)
	}
	for _, op := range []string{"status", "list-remotes", "validate", "check-repo"} {
		_, ok := uploadScope[op]
		assert.False(t, ok, op)
	}
}
