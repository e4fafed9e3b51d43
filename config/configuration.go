// Package config locates, loads and models the YAML configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"
)

var (
	// DefaultConfigFiles lists the file names probed in each search directory.
	DefaultConfigFiles = []string{"config.yml", "config.yaml"}

	// DefaultUnixConfigLocation is the system-wide config directory.
	DefaultUnixConfigLocation = "/etc/flare"

	// The user directory is searched before the system one so a local
	// override wins.
	defaultUserConfigDirs = []string{"~/.flare"}

	ErrNoConfigFile = fmt.Errorf("cannot determine default configuration path. No file %v in %v", DefaultConfigFiles, DefaultConfigSearchDirectories())
)

// DefaultConfigSearchDirectories returns the directories probed for a config
// file, in precedence order.
func DefaultConfigSearchDirectories() []string {
	dirs := make([]string, 0, len(defaultUserConfigDirs)+1)
	dirs = append(dirs, defaultUserConfigDirs...)
	return append(dirs, DefaultUnixConfigLocation)
}

// FileExists reports whether a regular file is at path. A missing file is
// not an error.
func FileExists(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// DefaultPath returns the first config file found in the search directories,
// or an empty string when there is none.
func DefaultPath() string {
	for _, dir := range DefaultConfigSearchDirectories() {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			continue
		}
		for _, name := range DefaultConfigFiles {
			path := filepath.Join(expanded, name)
			if ok, _ := FileExists(path); ok {
				return path
			}
		}
	}
	return ""
}

// Load reads the YAML configuration at path. An empty path falls back to
// DefaultPath. The warnings string carries non-fatal findings, currently
// keys the model does not know about.
func Load(path string) (root *Root, warnings string, err error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return nil, "", ErrNoConfigFile
		}
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNoConfigFile
		}
		return nil, "", err
	}
	defer file.Close()

	root = new(Root)
	if err := yaml.NewDecoder(file).Decode(root); err != nil {
		if err == io.EOF {
			// An empty file configures nothing.
			root.sourceFile = path
			return root, "", nil
		}
		return nil, "", errors.Wrap(err, "error parsing YAML in config file at "+path)
	}
	root.sourceFile = path

	// Parse it again, with known fields enforced, to find warnings.
	if file, err := os.Open(path); err == nil {
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		var unusedConfig Root
		if err := decoder.Decode(&unusedConfig); err != nil {
			warnings = err.Error()
		}
	}

	return root, warnings, nil
}
