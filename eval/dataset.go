package eval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dataset is a set of case fixtures, each with the documents to upload and
// the questions to ask about them.
type Dataset struct {
	Name  string        `json:"name" yaml:"name"`
	Cases []CaseFixture `json:"cases" yaml:"cases"`
}

// CaseFixture is one case built fresh for an evaluation run. Questions are
// asked in order, so later questions see earlier exchanges as history.
type CaseFixture struct {
	Title     string     `json:"title" yaml:"title"`
	Documents []string   `json:"documents" yaml:"documents"` // file paths, relative to the dataset file
	Tests     []TestCase `json:"tests" yaml:"tests"`
}

// TestCase defines a single evaluation question.
type TestCase struct {
	Question string `json:"question" yaml:"question"`
	// Facts that should appear in the answer. A fact may list
	// pipe-separated alternatives ("thirty days|30 days").
	ExpectedFacts []string `json:"expected_facts" yaml:"expected_facts"`
	// Citation label prefixes the answer should cite, e.g. "judgment.pdf"
	// or "labor_law.txt, Article 12".
	ExpectedCitations []string `json:"expected_citations" yaml:"expected_citations"`
	// ExpectUngrounded marks questions nothing in the material answers.
	ExpectUngrounded bool   `json:"expect_ungrounded" yaml:"expect_ungrounded"`
	Category         string `json:"category" yaml:"category"`
}

// LoadDataset reads a JSON or YAML dataset and resolves document paths
// against the dataset's directory.
func LoadDataset(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("reading dataset: %w", err)
	}

	var ds Dataset
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&ds)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ds)
	default:
		return Dataset{}, fmt.Errorf("dataset %s: unsupported extension (want .json, .yaml or .yml)", path)
	}
	if err != nil {
		return Dataset{}, fmt.Errorf("parsing dataset %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range ds.Cases {
		for j, doc := range ds.Cases[i].Documents {
			if !filepath.IsAbs(doc) {
				ds.Cases[i].Documents[j] = filepath.Join(dir, doc)
			}
		}
	}
	if ds.Name == "" {
		ds.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ds, ds.Validate()
}

// Validate reports every fixture or question that cannot be run.
func (d Dataset) Validate() error {
	var errs []error
	if len(d.Cases) == 0 {
		errs = append(errs, errors.New("no cases"))
	}
	for i, c := range d.Cases {
		if strings.TrimSpace(c.Title) == "" {
			errs = append(errs, fmt.Errorf("case %d: empty title", i+1))
		}
		if len(c.Tests) == 0 {
			errs = append(errs, fmt.Errorf("case %q: no tests", c.Title))
		}
		for j, t := range c.Tests {
			if strings.TrimSpace(t.Question) == "" {
				errs = append(errs, fmt.Errorf("case %q test %d: empty question", c.Title, j+1))
			}
			if t.ExpectUngrounded && len(t.ExpectedCitations) > 0 {
				errs = append(errs, fmt.Errorf("case %q test %d: an ungrounded question cannot expect citations", c.Title, j+1))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid dataset %q: %w", d.Name, errors.Join(errs...))
	}
	return nil
}

// TotalTests counts the questions across all fixtures.
func (d Dataset) TotalTests() int {
	n := 0
	for _, c := range d.Cases {
		n += len(c.Tests)
	}
	return n
}
