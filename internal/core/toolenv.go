package core

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// LoadToolEnv reads a KEY=VALUE file with the environment the external tools
// need, typically captured with `env` after sourcing the OpenFOAM bashrc.
// Lines starting with # are ignored, an `export ` prefix is dropped and one
// layer of matching quotes is removed. An empty path yields no variables.
// The result is sorted by key.
func LoadToolEnv(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tool env: %w", err)
	}
	defer f.Close()

	vars := map[string]string{}
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNo)
		}
		k := strings.TrimSpace(line[:i])
		vars[k] = unquote(strings.TrimSpace(line[i+1:]))
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read tool env: %w", err)
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
