// Chrominance head: class logits -> annealed softmax -> expected ab
package model

import (
	"fmt"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

const (
	// ChromaLayer is the 1×1 convolution mapping class probabilities to ab
	ChromaLayer = "class8_ab"

	// RebalanceLayer is the Scale layer applied to the class logits
	RebalanceLayer = "conv8_313_rh"

	// RebalanceFactor is the constant every class logit is scaled by
	RebalanceFactor float32 = 2.606
)

type headLayer struct {
	name  string
	kind  string
	blobs [][]float32
}

// chromaHead evaluates the tail of the colorization graph. Its layers are
// addressed by name the same way the trunk's are, and hold no parameters
// until configure injects them.
type chromaHead struct {
	layers  map[string]*headLayer
	classes int
	pool    *workerpool.Pool
}

func newChromaHead(scale, softmax, chroma Layer, classes, workers int) *chromaHead {
	h := &chromaHead{
		layers:  make(map[string]*headLayer, 3),
		classes: classes,
		pool:    workerpool.New(workers),
	}
	for _, l := range []Layer{scale, softmax, chroma} {
		h.layers[l.Name] = &headLayer{name: l.Name, kind: l.Type}
	}
	return h
}

// setBlobs replaces the parameter blobs of a named layer
func (h *chromaHead) setBlobs(name string, blobs ...[]float32) error {
	l, ok := h.layers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	l.blobs = blobs
	return nil
}

// configure injects the cluster table and the rebalance factor
func (h *chromaHead) configure(table *ClusterTable) error {
	if table.Len() != h.classes {
		return fmt.Errorf("%w: cluster table has %d classes, network predicts %d",
			ErrArtifactCorrupt, table.Len(), h.classes)
	}
	if err := h.setBlobs(ChromaLayer, table.Weights()); err != nil {
		return err
	}

	scale := make([]float32, h.classes)
	for i := range scale {
		scale[i] = RebalanceFactor
	}
	return h.setBlobs(RebalanceLayer, scale)
}

// forward maps NCHW class logits for a single image to interleaved ab pairs,
// one per spatial position
func (h *chromaHead) forward(logits []float32, pixels int) ([]float32, error) {
	if len(logits) != h.classes*pixels {
		return nil, fmt.Errorf("logits hold %d values, want %d×%d", len(logits), h.classes, pixels)
	}
	scale, err := h.blob(RebalanceLayer, h.classes)
	if err != nil {
		return nil, err
	}
	weights, err := h.blob(ChromaLayer, 2*h.classes)
	if err != nil {
		return nil, err
	}

	// [C, P] -> [P, C], rebalanced
	x := make([]float32, pixels*h.classes)
	for c := 0; c < h.classes; c++ {
		row := logits[c*pixels : (c+1)*pixels]
		s := scale[c]
		for p, v := range row {
			x[p*h.classes+c] = v * s
		}
	}

	probs := make([]float32, len(x))
	nn.ParallelSoftmax(h.pool, x, probs, pixels, h.classes)

	ab := make([]float32, pixels*2)
	nn.DenseAuto(h.pool, probs, weights, nil, ab, pixels, h.classes, 2)
	return ab, nil
}

func (h *chromaHead) blob(name string, size int) ([]float32, error) {
	l, ok := h.layers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	if len(l.blobs) == 0 || len(l.blobs[0]) != size {
		return nil, fmt.Errorf("layer %s is not configured", name)
	}
	return l.blobs[0], nil
}

func (h *chromaHead) close() {
	h.pool.Close()
}
