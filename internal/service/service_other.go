//go:build !linux

package service

import "errors"

var errUnsupported = errors.New("service management needs systemd")

func installImpl(cfg ServiceConfig, execPath string) error {
	return errUnsupported
}

func uninstallImpl(name string) error {
	return errUnsupported
}

func statusImpl(name string) (string, error) {
	return "", errUnsupported
}

func isInstalledImpl(name string) bool {
	return false
}
