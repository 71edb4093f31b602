//go:build !linux

package store

import "os"

func renameNoReplace(src, dst string) error {
	return os.Rename(src, dst)
}
