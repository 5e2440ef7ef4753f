package gitrunner

import (
	"os"
	"path/filepath"
	"regexp"
)

// credentialURL matches a URL userinfo section (user, user:password, or a
// bare token) so token-bearing remote URLs can be rewritten to bare form.
var credentialURL = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// RedactURL strips any embedded credentials from a remote URL.
func RedactURL(url string) string {
	return credentialURL.ReplaceAllString(url, "$1")
}

// RedactWorkspace rewrites token-bearing remote URLs in the workspace's
// .git/config back to bare form. Must run before any upload of .git.
func RedactWorkspace(workDir string) error {
	config := filepath.Join(workDir, ".git", "config")
	data, err := os.ReadFile(config)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	redacted := credentialURL.ReplaceAll(data, []byte("$1"))
	if string(redacted) == string(data) {
		return nil
	}
	return os.WriteFile(config, redacted, 0640)
}
