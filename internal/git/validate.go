package git

import (
	"regexp"
	"strings"
	"time"
)

// DefaultBranchTemplate is used when no branch is given; {timestamp} is
// replaced with the current time.
const DefaultBranchTemplate = "fork-experiment-{timestamp}"

const branchTimestampFormat = "20060102-150405"

var (
	httpsURLPattern = regexp.MustCompile(`^https?://[\w\-.]+(:\d+)?/[\w\-.]+/[\w\-.]+(\.git)?$`)
	sshURLPattern   = regexp.MustCompile(`^git@[\w\-.]+:[\w\-.]+/[\w\-.]+(\.git)?$`)
	branchPattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.\-]*[a-zA-Z0-9]$`)

	invalidBranchSequences = []string{"..", "@{", `\`, "//"}
)

// ValidateURL reports whether url looks like an HTTPS or SSH git remote,
// e.g. https://github.com/user/repo(.git) or git@github.com:user/repo(.git).
func ValidateURL(url string) bool {
	return httpsURLPattern.MatchString(url) || sshURLPattern.MatchString(url)
}

// ValidateBranch reports whether branch is an acceptable branch name.
func ValidateBranch(branch string) bool {
	if branch == "" || !branchPattern.MatchString(branch) {
		return false
	}
	for _, seq := range invalidBranchSequences {
		if strings.Contains(branch, seq) {
			return false
		}
	}
	return true
}

// ParseRepoName returns the last path component of a remote URL without a
// .git suffix.
func ParseRepoName(url string) string {
	url = strings.TrimSuffix(url, ".git")
	switch {
	case strings.Contains(url, "/"):
		parts := strings.Split(strings.TrimRight(url, "/"), "/")
		return parts[len(parts)-1]
	case strings.Contains(url, ":"):
		return url[strings.LastIndex(url, ":")+1:]
	default:
		return url
	}
}

// GenerateBranchName returns DefaultBranchTemplate rendered at t.
func GenerateBranchName(t time.Time) string {
	return strings.ReplaceAll(DefaultBranchTemplate, "{timestamp}", t.Format(branchTimestampFormat))
}

// ExtractOwnerRepo splits a remote URL into owner and repository name.
// ok is false when url is not a recognized remote.
func ExtractOwnerRepo(url string) (owner, repo string, ok bool) {
	if !ValidateURL(url) {
		return "", "", false
	}
	path := strings.TrimSuffix(url, ".git")
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
		path = path[strings.Index(path, "/")+1:]
	} else {
		path = path[strings.Index(path, ":")+1:]
	}
	owner, repo, ok = strings.Cut(path, "/")
	return owner, repo, ok
}
