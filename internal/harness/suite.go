package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure is one failed scenario file.
type SuiteFailure struct {
	Path   string   `json:"path"`
	Errors []string `json:"errors"`
}

// ScenarioFiles returns path itself if it is a file, or the sorted *.yaml
// and *.yml files directly inside it if it is a directory.
func ScenarioFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(path, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", path)
	}
	return files, nil
}

// RunFiles loads and runs each scenario file. Load and execution errors
// count as failures; the returned error is reserved for a cancelled ctx.
func RunFiles(ctx context.Context, files []string, opts ...Option) (*SuiteResult, error) {
	suite := &SuiteResult{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return suite, err
		}
		suite.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			suite.fail(path, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}
		result, err := Run(ctx, scenario, opts...)
		if err != nil {
			suite.fail(path, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !result.Pass {
			suite.fail(path, result.Errors...)
			continue
		}
		suite.Passed++
	}
	return suite, nil
}

func (s *SuiteResult) fail(path string, errs ...string) {
	s.Failed++
	s.Failures = append(s.Failures, SuiteFailure{Path: path, Errors: errs})
}
