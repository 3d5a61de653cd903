// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package passthrough

import "io"

var CancelPaths = cancelPaths

func MockOpenDevice(fn func(path string) (io.ReadWriteCloser, error)) (restore func()) {
	orig := openDevice
	openDevice = func(path string) (device, error) {
		return fn(path)
	}
	return func() {
		openDevice = orig
	}
}

func MockSysfsPath(path string) (restore func()) {
	orig := sysfsPath
	sysfsPath = path
	return func() {
		sysfsPath = orig
	}
}

func MockDefaultDevicePath(path string) (restore func()) {
	orig := defaultDevicePath
	defaultDevicePath = func() string {
		return path
	}
	return func() {
		defaultDevicePath = orig
	}
}

func (p *Passthrough) Executing() bool {
	return p.executing.Load()
}

var OpenDeviceFile = openDeviceFile
