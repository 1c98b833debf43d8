package version

import (
	"os/exec"
	"runtime/debug"
	"strings"
)

var (
	Version = "0.3.0"
	Commit  = ""
	Date    = "unknown"
)

// Info is what the version command and the HTTP root endpoint report.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Resolve returns the version string. Release builds carry a linker-injected
// Commit and report Version as-is; development builds get a git-describe
// suffix when run inside a checkout.
func Resolve() string {
	if Commit != "" {
		return normalizeBase(Version)
	}
	return resolveVersion(Version, runGit)
}

// Current bundles Resolve with the commit, falling back to the VCS
// revision embedded by the go toolchain.
func Current() Info {
	commit := Commit
	if commit == "" {
		commit = buildRevision(debug.ReadBuildInfo)
	}
	return Info{Version: Resolve(), Commit: commit, Date: Date}
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	base = normalizeBase(base)

	suffix := gitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func normalizeBase(base string) string {
	base = strings.TrimPrefix(strings.TrimSpace(base), "v")
	if base == "" {
		return "0.0.0"
	}
	return base
}

func gitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(desc, "v"+base+"-")
}

func buildRevision(read func() (*debug.BuildInfo, bool)) string {
	info, ok := read()
	if !ok || info == nil {
		return ""
	}

	var revision string
	var dirty bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if revision != "" && dirty {
		revision += "-dirty"
	}
	return revision
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
