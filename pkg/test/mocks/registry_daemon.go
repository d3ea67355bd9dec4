package mocks

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	glob "github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/regprune/regprune/pkg/api/constants"
	zcommon "github.com/regprune/regprune/pkg/common"
)

const (
	// FakeDaemonEnv makes a test binary behave as the registry daemon, see RunFakeDaemon.
	FakeDaemonEnv = "REGPRUNE_FAKE_REGISTRY"
	// FakeDaemonModeEnv selects a failure of the fake daemon: crash, silent, flood, gc-fail or gc-hang.
	FakeDaemonModeEnv = "REGPRUNE_FAKE_MODE"
	// GarbageCollectLog is appended to in the data directory by every garbage collection.
	GarbageCollectLog = "gc-runs"

	floodSize = 4 * 1024 * 1024
)

type daemonConfig struct {
	Storage struct {
		Filesystem struct {
			RootDirectory string `yaml:"rootdirectory"`
		} `yaml:"filesystem"`
	} `yaml:"storage"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

/*
RunFakeDaemon implements the `serve` and `garbage-collect` commands of the registry binary.
Serving loads the repositories and tags found in the filesystem storage into a Registry and writes
deleted tags back to the storage on SIGTERM. Tests call it from TestMain when FakeDaemonEnv is set.
*/
func RunFakeDaemon(args []string) int {
	if len(args) < 2 { //nolint:mnd
		fmt.Fprintln(os.Stderr, "usage: registry <serve|garbage-collect> <config>")

		return 2 //nolint:mnd
	}

	content, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	var cfg daemonConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM)

	mode := os.Getenv(FakeDaemonModeEnv)

	switch args[0] {
	case "serve":
		return serve(cfg, mode, signals)
	case "garbage-collect":
		if len(args) < 3 || args[2] != "--delete-untagged=true" { //nolint:mnd
			fmt.Fprintln(os.Stderr, "untagged manifests must be deleted")

			return 2 //nolint:mnd
		}

		return garbageCollect(cfg, mode, signals)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])

		return 2 //nolint:mnd
	}
}

func serve(cfg daemonConfig, mode string, signals <-chan os.Signal) int {
	fmt.Fprintln(os.Stderr, "configuring endpoints")

	if mode == "crash" {
		fmt.Fprintln(os.Stderr, "panic: storage driver unavailable")

		return 1
	}

	reposDir := filepath.Join(cfg.Storage.Filesystem.RootDirectory, filepath.FromSlash(constants.RepositoriesDir))

	stored, err := loadStorage(reposDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	_, port, err := net.SplitHostPort(cfg.HTTP.Addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	reg := NewRegistry()

	for repo, tags := range stored {
		reg.CreateRepository(repo)
		reg.PushTags(repo, tags...)
	}

	reg.Start(port)

	if mode == "flood" {
		// one line longer than any log line, larger than a pipe buffer
		if _, err := os.Stdout.Write(bytes.Repeat([]byte("x"), floodSize)); err != nil {
			return 1
		}
	}

	if mode != "silent" {
		fmt.Fprintf(os.Stderr, "level=info msg=\"listening on %s\"\n", cfg.HTTP.Addr)
	}

	fmt.Println("serving")

	<-signals

	reg.Stop()

	for repo, tags := range stored {
		remaining := reg.Tags(repo)

		for _, tag := range tags {
			if zcommon.Contains(remaining, tag) {
				continue
			}

			tagDir := filepath.Join(reposDir, filepath.FromSlash(repo), filepath.FromSlash(constants.TagsDir), tag)
			if err := os.RemoveAll(tagDir); err != nil {
				fmt.Fprintln(os.Stderr, err)

				return 1
			}
		}
	}

	fmt.Fprintln(os.Stderr, "shutting down")

	return 0
}

func garbageCollect(cfg daemonConfig, mode string, signals <-chan os.Signal) int {
	root := cfg.Storage.Filesystem.RootDirectory

	fmt.Println("marking blobs in", root)

	switch mode {
	case "gc-fail":
		fmt.Fprintln(os.Stderr, "failed to sweep blobs")

		return 3 //nolint:mnd
	case "gc-hang":
		<-signals

		return 1
	}

	file, err := os.OpenFile(filepath.Join(root, GarbageCollectLog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, "collected"); err != nil {
		return 1
	}

	return 0
}

// loadStorage returns the tags of every repository found below reposDir.
func loadStorage(reposDir string) (map[string][]string, error) {
	stored := make(map[string][]string)

	if _, err := os.Stat(reposDir); os.IsNotExist(err) {
		return stored, nil
	}

	matches, err := glob.Glob(os.DirFS(reposDir), "**/"+constants.TagsDir)
	if err != nil {
		return nil, err
	}

	for _, match := range matches {
		entries, err := os.ReadDir(filepath.Join(reposDir, filepath.FromSlash(match)))
		if err != nil {
			return nil, err
		}

		tags := make([]string, 0, len(entries))
		for _, entry := range entries {
			tags = append(tags, entry.Name())
		}

		stored[path.Dir(path.Dir(match))] = tags
	}

	return stored, nil
}
