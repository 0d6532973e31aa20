package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// Fixed artifact file names inside a model directory.
const (
	FeaturesFile = "features.json"
	ScalerFile   = "scaler.json"
	ImputerFile  = "imputer.json"
	ModelFile    = "model.json"
	ClassFile    = "class.json"
)

// ArtifactFiles lists the five files every model directory must contain.
func ArtifactFiles() []string {
	return []string{FeaturesFile, ScalerFile, ImputerFile, ModelFile, ClassFile}
}

var (
	ErrArtifactLoad      = errors.New("artifact load failed")
	ErrModelDirNotFound  = errors.New("model directory not found")
	ErrArtifactIntegrity = errors.New("artifact integrity")
)

// ArtifactSet is the immutable bundle a predictor is built from.
// Features governs the column order every other artifact is applied in.
type ArtifactSet struct {
	Features []string
	Imputer  Imputer
	Scaler   Scaler
	Model    Model
	Classes  ClassMap
}

// LoadArtifacts reads the five artifacts from dir. Every file is attempted so
// the returned error lists all broken artifacts at once.
func LoadArtifacts(dir string) (*ArtifactSet, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %w: %s", ErrArtifactLoad, ErrModelDirNotFound, dir)
		}
		return nil, fmt.Errorf("%w: %v", ErrArtifactLoad, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %w: %s is not a directory", ErrArtifactLoad, ErrModelDirNotFound, dir)
	}

	set := &ArtifactSet{}
	var errs error

	features, err := LoadFeatures(filepath.Join(dir, FeaturesFile))
	errs = multierr.Append(errs, err)
	set.Features = features

	scaler, err := LoadScaler(filepath.Join(dir, ScalerFile))
	errs = multierr.Append(errs, err)
	set.Scaler = scaler

	imputer, err := LoadImputer(filepath.Join(dir, ImputerFile))
	errs = multierr.Append(errs, err)
	set.Imputer = imputer

	model, err := LoadModel(filepath.Join(dir, ModelFile))
	errs = multierr.Append(errs, err)
	set.Model = model

	classes, err := LoadClassMap(filepath.Join(dir, ClassFile))
	errs = multierr.Append(errs, err)
	set.Classes = classes

	if errs != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactLoad, dir, errs)
	}
	return set, nil
}

// Verify reports width and cardinality mismatches between the artifacts.
// Predict detects the same problems lazily; Verify exists for tooling.
func (a *ArtifactSet) Verify() error {
	var errs error
	n := len(a.Features)
	if w, ok := a.Imputer.(interface{ Width() int }); ok && w.Width() != n {
		errs = multierr.Append(errs, fmt.Errorf("imputer fitted on %d features, feature list has %d", w.Width(), n))
	}
	if w, ok := a.Scaler.(interface{ Width() int }); ok && w.Width() != n {
		errs = multierr.Append(errs, fmt.Errorf("scaler fitted on %d features, feature list has %d", w.Width(), n))
	}
	if w := a.Model.NumFeatures(); w > n {
		errs = multierr.Append(errs, fmt.Errorf("model reads %d features, feature list has %d", w, n))
	}
	if k := a.Model.NumClasses(); k != len(a.Classes) {
		errs = multierr.Append(errs, fmt.Errorf("%w: model outputs %d classes, class map has %d", ErrArtifactIntegrity, k, len(a.Classes)))
	}
	for i := 0; i < len(a.Classes); i++ {
		if _, ok := a.Classes[i]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: class map is missing index %d", ErrArtifactIntegrity, i))
		}
	}
	return errs
}

// LoadFeatures reads the ordered feature list.
func LoadFeatures(path string) ([]string, error) {
	var features []string
	if err := readJSON(path, &features); err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("%s: feature list is empty", filepath.Base(path))
	}
	seen := make(map[string]string, len(features))
	for i, name := range features {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%s: feature %d has an empty name", filepath.Base(path), i)
		}
		key := canonicalKey(name)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%s: features %q and %q collide after case folding", filepath.Base(path), prev, name)
		}
		seen[key] = name
	}
	return features, nil
}

// ClassMap translates a model's zero-based class index into a label.
type ClassMap map[int]string

// Labels returns the labels ordered by class index.
func (c ClassMap) Labels() []string {
	indices := make([]int, 0, len(c))
	for idx := range c {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	labels := make([]string, len(indices))
	for i, idx := range indices {
		labels[i] = c[idx]
	}
	return labels
}

// LoadClassMap accepts either {"0": "Negative", "1": "Positive"} or
// ["Negative", "Positive"].
func LoadClassMap(path string) (ClassMap, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)

	classes := make(ClassMap)
	var list []string
	if err := json.Unmarshal(payload, &list); err == nil {
		for i, label := range list {
			classes[i] = label
		}
	} else {
		var raw map[string]string
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%s: expected object or array of labels: %v", name, err)
		}
		keys := make(map[int]string, len(raw))
		for key, label := range raw {
			idx, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%s: class index %q is not a non-negative integer", name, key)
			}
			if prev, ok := keys[idx]; ok {
				first, second := prev, key
				if second < first {
					first, second = second, first
				}
				return nil, fmt.Errorf("%s: keys %q and %q both name class %d", name, first, second, idx)
			}
			keys[idx] = key
			classes[idx] = label
		}
	}

	if len(classes) == 0 {
		return nil, fmt.Errorf("%s: class map is empty", name)
	}
	labels := make(map[string]int, len(classes))
	for idx, label := range classes {
		if strings.TrimSpace(label) == "" {
			return nil, fmt.Errorf("%s: class %d has an empty label", name, idx)
		}
		if prev, ok := labels[label]; ok {
			return nil, fmt.Errorf("%s: label %q used by classes %d and %d", name, label, prev, idx)
		}
		labels[label] = idx
	}
	return classes, nil
}

func readJSON(path string, v interface{}) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// typeTag reads the "type" discriminator shared by scaler, imputer and model files.
func typeTag(path string) (string, []byte, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return "", nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if header.Type == "" {
		return "", nil, fmt.Errorf("%s: missing \"type\"", filepath.Base(path))
	}
	return header.Type, payload, nil
}
