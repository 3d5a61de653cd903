// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package passthrough

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	sysfsPath = "/sys"

	openCancel = func(path string) (io.WriteCloser, error) {
		return os.OpenFile(path, os.O_WRONLY, 0)
	}
)

// cancelPaths returns the sysfs files that might be used to cancel
// commands on the device at the supplied path, in the order that they
// should be tried.
func cancelPaths(devPath string) []string {
	dev := filepath.Base(devPath)
	return []string{
		filepath.Join(sysfsPath, "class/tpm", dev, "device/cancel"),
		filepath.Join(sysfsPath, "class/misc", dev, "device/cancel"),
	}
}

// openSysfsCancel opens the file used to cancel commands on the device
// at devPath. If cancelPath is not empty, it is used as is. Otherwise
// the path is guessed from the device name. The path that was opened is
// returned.
func openSysfsCancel(devPath, cancelPath string) (io.WriteCloser, string, error) {
	if cancelPath != "" {
		w, err := openCancel(cancelPath)
		if err != nil {
			return nil, "", fmt.Errorf("cannot open TPM cancel path: %w", err)
		}
		return w, cancelPath, nil
	}

	if filepath.Base(devPath) == "." || filepath.Base(devPath) == string(filepath.Separator) {
		return nil, "", fmt.Errorf("bad TPM device path %s", devPath)
	}

	var firstErr error
	for _, path := range cancelPaths(devPath) {
		w, err := openCancel(path)
		if err == nil {
			return w, path, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, "", fmt.Errorf("cannot guess TPM cancel path: %w", firstErr)
}
