package model

import (
	"fmt"
	"os"
	"path/filepath"
)

// Default artifact file names of the released colorization model
const (
	DefaultDescriptor     = "colorization_deploy_v2.prototxt"
	DefaultWeights        = "colorization_release_v2.caffemodel"
	DefaultClusterCenters = "pts_in_hull.npy"
)

// Artifacts locates the three files a network is built from
type Artifacts struct {
	Descriptor     string `json:"descriptor"`
	Weights        string `json:"weights"`
	ClusterCenters string `json:"cluster_centers"`
}

// ArtifactsIn resolves relative artifact names against dir. Empty names fall
// back to the released model's file names.
func ArtifactsIn(dir, descriptor, weights, centers string) Artifacts {
	resolve := func(name, fallback string) string {
		if name == "" {
			name = fallback
		}
		if filepath.IsAbs(name) {
			return name
		}
		return filepath.Join(dir, name)
	}
	return Artifacts{
		Descriptor:     resolve(descriptor, DefaultDescriptor),
		Weights:        resolve(weights, DefaultWeights),
		ClusterCenters: resolve(centers, DefaultClusterCenters),
	}
}

// Check verifies every artifact is a readable regular file
func (a Artifacts) Check() error {
	for _, path := range []string{a.Descriptor, a.Weights, a.ClusterCenters} {
		if path == "" {
			return fmt.Errorf("%w: path not configured", ErrArtifactMissing)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrArtifactMissing, path, err)
		}
		info, err := f.Stat()
		f.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrArtifactMissing, path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrArtifactMissing, path)
		}
	}
	return nil
}
