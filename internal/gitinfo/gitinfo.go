// Package gitinfo resolves repository metadata for scan reports. The
// commit SHA is best-effort context: callers log a miss and continue,
// since plenty of scanned trees are not git checkouts at all.
package gitinfo

import (
	"fmt"

	git "github.com/go-git/go-git/v5"
)

// HeadCommit returns the SHA of the repository's current HEAD commit.
func HeadCommit(repoPath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}
