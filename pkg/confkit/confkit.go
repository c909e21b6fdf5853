// Package confkit carries the small configuration helpers shared by the
// binaries: .env bootstrap, path resolution and typed file loading.
package confkit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeromicro/go-zero/core/conf"
)

// ResolvePath resolves a file path relative to a base directory.
// Environment variables in the path are expanded first; absolute paths are
// returned as is.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// LoadFile loads a configuration file into the provided type T using
// go-zero's conf loader, optionally expanding ${VAR} references from the
// environment.
func LoadFile[T any](path string, useEnv bool) (*T, error) {
	var cfg T
	opts := []conf.Option{}
	if useEnv {
		opts = append(opts, conf.UseEnv())
	}
	if err := conf.Load(path, &cfg, opts...); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}
