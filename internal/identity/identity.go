// Package identity resolves the acting user and the commit author when
// none is given explicitly.
package identity

import (
	"os"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
)

// Fallbacks used when nothing better is configured.
const (
	FallbackUser  = "local"
	FallbackName  = "scaffoldd"
	FallbackEmail = "scaffoldd@localhost"
)

var (
	sshRemote   = regexp.MustCompile(`git@[^:]+:([^/]+)/`)
	httpsRemote = regexp.MustCompile(`^[a-z+]+://(?:[^@/]+@)?[^/]+/([^/]+)/`)
)

// Author is a commit signature identity.
type Author struct {
	Name  string
	Email string
}

// DefaultUserID picks a user id in this order: the owner in repoPath's
// origin remote, the global git user.name, $USER, then FallbackUser.
func DefaultUserID(repoPath string) string {
	if repoPath != "" {
		if owner := originOwner(repoPath); owner != "" {
			return normalize(owner)
		}
	}
	if cfg, err := config.LoadConfig(config.GlobalScope); err == nil && cfg.User.Name != "" {
		return normalize(cfg.User.Name)
	}
	if user := os.Getenv("USER"); user != "" {
		return normalize(user)
	}
	return FallbackUser
}

// CommitAuthor returns the global git identity, filling gaps with the
// scaffoldd fallbacks.
func CommitAuthor() Author {
	a := Author{Name: FallbackName, Email: FallbackEmail}
	cfg, err := config.LoadConfig(config.GlobalScope)
	if err != nil {
		return a
	}
	if cfg.User.Name != "" {
		a.Name = cfg.User.Name
	}
	if cfg.User.Email != "" {
		a.Email = cfg.User.Email
	}
	return a
}

func originOwner(repoPath string) string {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return ""
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return ""
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return ""
	}
	return ownerFromURL(urls[0])
}

// ownerFromURL extracts the first path segment of an SSH or URL-style
// remote, e.g. "acme" from git@github.com:acme/app.git.
func ownerFromURL(url string) string {
	if m := sshRemote.FindStringSubmatch(url); len(m) > 1 {
		return m[1]
	}
	if m := httpsRemote.FindStringSubmatch(url); len(m) > 1 {
		return m[1]
	}
	return ""
}

// normalize lowercases s, turns spaces into underscores and drops anything
// outside [a-z0-9_.-].
func normalize(s string) string {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return FallbackUser
	}
	return b.String()
}
