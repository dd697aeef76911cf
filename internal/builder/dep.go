package builder

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"

	"github.com/qobs-build/hashbuild/internal/msg"
)

var depShortcuts = map[string]string{
	"gh:": "https://github.com/",
	"gl:": "https://gitlab.com/",
	"bb:": "https://bitbucket.org/",
	"sr:": "https://sr.ht/",
	"cb:": "https://codeberg.org/",
}

const gitPrefix = "git:"

var (
	errIllegalDep     = errors.New("empty or illegal dependency string")
	errArchiveNotImpl = errors.New("archive dependencies are not supported, use a git source or a local path")
)

// cloneRepo is swapped out in tests
var cloneRepo = cloneGitRepo

// FetchDependency makes dep available at toWhere and returns the directory
// holding it. Sources are `git:<url>`, a shortcut such as `gh:owner/repo`
// (both accept @branch and #revision suffixes), or a local path which is used
// in place.
func FetchDependency(dep, toWhere string) (string, error) {
	if dep == "" {
		return "", errIllegalDep
	}

	if strings.HasPrefix(dep, gitPrefix) {
		return cloneRepo(dep[len(gitPrefix):], toWhere)
	}

	for shortcut, url := range depShortcuts {
		if strings.HasPrefix(dep, shortcut) {
			return cloneRepo(url+dep[len(shortcut):], toWhere)
		}
	}

	if isURL(dep) {
		return "", errArchiveNotImpl
	}

	return dep, nil
}

// dependencyIncludeDirs returns the include directories provided by deps, in
// name order. With fetch set, remote dependencies missing from depsDir are
// fetched first; otherwise they are skipped. An existing checkout is reused.
func dependencyIncludeDirs(basedir, depsDir string, deps map[string]string, fetch bool) ([]string, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	slices.Sort(names)

	var includes []string
	for _, name := range names {
		source := deps[name]
		dest := filepath.Join(depsDir, name)

		if source == "" {
			return nil, fmt.Errorf("dependency %q: %w", name, errIllegalDep)
		}

		dir := dest
		if !isRemote(source) {
			dir = source
		} else if stat, err := os.Stat(dest); err != nil || !stat.IsDir() {
			if !fetch {
				continue
			}
			msg.Step("Fetch dependency %s: %s", name, source)
			fetched, err := FetchDependency(source, dest)
			if err != nil {
				os.RemoveAll(dest)
				return nil, fmt.Errorf("failed to fetch dependency %q: %w", name, err)
			}
			dir = fetched
		}

		if !filepath.IsAbs(dir) {
			dir = filepath.Join(basedir, dir)
		}
		includes = append(includes, dependencyIncludes(dir)...)
	}
	return includes, nil
}

func isRemote(source string) bool {
	if strings.HasPrefix(source, gitPrefix) || isURL(source) {
		return true
	}
	for shortcut := range depShortcuts {
		if strings.HasPrefix(source, shortcut) {
			return true
		}
	}
	return false
}

// dependencyIncludes prefers a conventional include/ directory over the root
func dependencyIncludes(dir string) []string {
	include := filepath.Join(dir, "include")
	if stat, err := os.Stat(include); err == nil && stat.IsDir() {
		return []string{include, dir}
	}
	return []string{dir}
}

func isURL(maybeURL string) bool {
	u, err := url.Parse(maybeURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

type gitURL struct {
	cleanURL    string
	branch      string
	commitOrTag string
}

// someone/something@master#0.1.0
// someone/something@feature-branch#12345abc
// someone/something#12345abc
func parseGitURL(rawURL string) (res gitURL) {
	parts := strings.SplitN(rawURL, "#", 2)
	baseURL := parts[0]
	if len(parts) == 2 {
		res.commitOrTag = parts[1]
	}

	// only look for @branch after the host, so ssh user@host urls survive
	at := strings.LastIndex(baseURL, "@")
	if at > strings.LastIndex(baseURL, ":") && at > strings.LastIndex(baseURL, "/") {
		res.cleanURL, res.branch = baseURL[:at], baseURL[at+1:]
	} else {
		res.cleanURL = baseURL
	}

	if !strings.HasSuffix(res.cleanURL, ".git") {
		res.cleanURL += ".git"
	}

	return
}

// cloneGitRepo clones a Git remote into the specified directory
func cloneGitRepo(url, toWhere string) (string, error) {
	parsedURL := parseGitURL(url)

	cloneOptions := &git.CloneOptions{
		URL:               parsedURL.cleanURL,
		Progress:          &msg.IndentWriter{Indent: "    ", W: os.Stdout},
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}

	if parsedURL.commitOrTag == "" {
		cloneOptions.Depth = 1
	}

	if parsedURL.branch != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(parsedURL.branch)
		cloneOptions.SingleBranch = true
	}

	repo, err := git.PlainClone(toWhere, cloneOptions)
	if err != nil {
		return toWhere, err
	}

	if parsedURL.commitOrTag != "" {
		w, err := repo.Worktree()
		if err != nil {
			return toWhere, fmt.Errorf("could not get worktree: %w", err)
		}

		revision := parsedURL.commitOrTag
		hash, err := repo.ResolveRevision(plumbing.Revision(revision))
		if err != nil {
			return toWhere, fmt.Errorf("could not resolve revision `%s`: %w", revision, err)
		}

		err = w.Checkout(&git.CheckoutOptions{
			Hash:  *hash,
			Force: true,
		})
		if err != nil {
			return toWhere, fmt.Errorf("failed to checkout `%s`: %w", revision, err)
		}
	}

	return toWhere, nil
}
