package pipeline

import (
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agentic-research/lodestone/internal/config"
	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

func matches(patterns []string, rel string) bool {
	for _, p := range patterns {
		name := rel
		if !strings.Contains(p, "/") {
			name = path.Base(rel)
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Discover walks fsys and returns the slash-separated paths selected by sel,
// sorted. Directories are never selected; symlinks are, and fail later if
// they dangle. Unreadable subtrees are skipped and reported.
func Discover(fsys billy.Filesystem, sel config.PurposeConfig) ([]string, []diag.Entry, error) {
	var (
		files  []string
		issues []diag.Entry
	)
	err := util.Walk(fsys, ".", func(p string, info os.FileInfo, err error) error {
		rel := filepath.ToSlash(p)
		if err != nil {
			if p == "." {
				return err
			}
			issues = append(issues, diag.Entry{Kind: diag.KindIO, File: rel, Message: err.Error()})
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if matches(sel.Include, rel) && !matches(sel.Exclude, rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, issues, err
	}
	slices.Sort(files)
	return files, issues, nil
}
