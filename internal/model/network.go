// Caffe colorization network backed by the OpenCV DNN module
package model

import (
	"context"
	"fmt"
	"image"
	"os"
	"slices"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

const (
	// InputSize is the square spatial size the network expects
	InputSize = 224

	modelName        = "Caffe Colorization"
	modelVersion     = "v2"
	modelDescription = "Colorful Image Colorization (Zhang et al.) released Caffe model"
)

// Network predicts chrominance for a normalized luminance plane
type Network interface {
	// PredictAB takes a CV32FC1 InputSize×InputSize mean-centred L plane and
	// returns a CV32FC2 grid of predicted (a, b) values. The caller owns the
	// returned Mat.
	PredictAB(l gocv.Mat) (gocv.Mat, error)
	Info() Info
	Close() error
}

// Info describes a loaded network
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Classes     int    `json:"classes"`
	InputSize   int    `json:"input_size"`
	TrunkOutput string `json:"trunk_output"`
	Backend     string `json:"backend"`
	Target      string `json:"target"`
}

// LoadOptions tunes how the network is instantiated
type LoadOptions struct {
	Backend     string
	Target      string
	HeadWorkers int
}

type caffeNetwork struct {
	mu     sync.Mutex
	net    gocv.Net
	trunk  string
	head   *chromaHead
	info   Info
	closed bool
}

// LoadCaffe reads the descriptor, weights and cluster table, builds the trunk
// network and configures the chrominance head by layer name
func LoadCaffe(ctx context.Context, a Artifacts, opts LoadOptions) (Network, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}

	text, err := os.ReadFile(a.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactMissing, a.Descriptor, err)
	}
	desc, err := ParseDescriptor(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Descriptor, err)
	}

	plan, err := planHead(desc)
	if err != nil {
		return nil, err
	}
	trunkText, err := desc.Without(plan.scale.Name)
	if err != nil {
		return nil, err
	}

	table, err := LoadClusterTable(a.ClusterCenters)
	if err != nil {
		return nil, err
	}

	weights, err := os.ReadFile(a.Weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactMissing, a.Weights, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	net, err := gocv.ReadNetFromCaffeBytes(trunkText, weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("%w: network graph is empty", ErrArtifactCorrupt)
	}

	if !slices.Contains(net.GetLayerNames(), plan.trunk.Name) {
		net.Close()
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, plan.trunk.Name)
	}

	if err := net.SetPreferableBackend(gocv.ParseNetBackend(opts.Backend)); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend %q: %w", opts.Backend, err)
	}
	if err := net.SetPreferableTarget(gocv.ParseNetTarget(opts.Target)); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target %q: %w", opts.Target, err)
	}

	head := newChromaHead(plan.scale, plan.softmax, plan.chroma, plan.classes, opts.HeadWorkers)
	if err := head.configure(table); err != nil {
		head.close()
		net.Close()
		return nil, err
	}

	return &caffeNetwork{
		net:   net,
		trunk: plan.trunk.Name,
		head:  head,
		info: Info{
			Name:        modelName,
			Version:     modelVersion,
			Description: modelDescription,
			Classes:     plan.classes,
			InputSize:   InputSize,
			TrunkOutput: plan.trunk.Name,
			Backend:     opts.Backend,
			Target:      opts.Target,
		},
	}, nil
}

type headPlan struct {
	trunk, scale, softmax, chroma Layer
	classes                       int
}

// planHead locates the Scale -> Softmax -> Convolution tail that ends in
// the chroma layer and the trunk layer feeding it
func planHead(d *Descriptor) (headPlan, error) {
	var p headPlan
	var ok bool

	if p.scale, ok = d.Layer(RebalanceLayer); !ok {
		return p, fmt.Errorf("%w: %s", ErrLayerNotFound, RebalanceLayer)
	}
	if p.chroma, ok = d.Layer(ChromaLayer); !ok {
		return p, fmt.Errorf("%w: %s", ErrLayerNotFound, ChromaLayer)
	}
	if p.scale.Type != "Scale" || len(p.scale.Bottoms) != 1 || len(p.scale.Tops) != 1 {
		return p, fmt.Errorf("%w: %s is not a single-input Scale layer", ErrArtifactCorrupt, RebalanceLayer)
	}
	if p.chroma.Type != "Convolution" || len(p.chroma.Bottoms) != 1 {
		return p, fmt.Errorf("%w: %s is not a Convolution layer", ErrArtifactCorrupt, ChromaLayer)
	}

	for _, l := range d.Consumers(p.scale.Tops[0]) {
		if l.Type == "Softmax" && len(l.Tops) == 1 && l.Tops[0] == p.chroma.Bottoms[0] {
			p.softmax = l
			break
		}
	}
	if p.softmax.Name == "" {
		return p, fmt.Errorf("%w: no Softmax between %s and %s", ErrArtifactCorrupt, RebalanceLayer, ChromaLayer)
	}

	if p.trunk, ok = d.Producer(p.scale.Bottoms[0], p.scale.Name); !ok {
		return p, fmt.Errorf("%w: no layer produces %s", ErrLayerNotFound, p.scale.Bottoms[0])
	}

	p.classes = ClusterCount
	if v, ok := p.trunk.Field("convolution_param.num_output"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("%w: %s num_output %q", ErrArtifactCorrupt, p.trunk.Name, v)
		}
		p.classes = n
	}
	return p, nil
}

func (n *caffeNetwork) PredictAB(l gocv.Mat) (gocv.Mat, error) {
	if l.Empty() || l.Type() != gocv.MatTypeCV32FC1 {
		return gocv.NewMat(), fmt.Errorf("luminance input must be a non-empty CV32FC1 plane")
	}

	blob := gocv.BlobFromImage(l, 1.0, image.Pt(l.Cols(), l.Rows()), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	ab, height, width, err := n.forward(blob)
	if err != nil {
		return gocv.NewMat(), err
	}

	out := gocv.NewMatWithSize(height, width, gocv.MatTypeCV32FC2)
	data, err := out.DataPtrFloat32()
	if err != nil {
		out.Close()
		return gocv.NewMat(), err
	}
	copy(data, ab)
	return out, nil
}

// forward runs the OpenCV trunk and the chrominance head. The logits are
// copied out while the lock is held since the network reuses its output
// buffers between calls.
func (n *caffeNetwork) forward(blob gocv.Mat) ([]float32, int, int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, 0, 0, ErrClosed
	}

	n.net.SetInput(blob, "")
	out := n.net.Forward(n.trunk)
	defer out.Close()
	if out.Empty() {
		return nil, 0, 0, fmt.Errorf("forward %s produced no output", n.trunk)
	}

	size := gocv.GetBlobSize(out)
	classes, height, width := int(size.Val2), int(size.Val3), int(size.Val4)
	if classes != n.info.Classes || height <= 0 || width <= 0 {
		return nil, 0, 0, fmt.Errorf("unexpected trunk output shape %vx%vx%vx%v", size.Val1, size.Val2, size.Val3, size.Val4)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, 0, 0, err
	}
	logits := make([]float32, classes*height*width)
	copy(logits, data)

	ab, err := n.head.forward(logits, height*width)
	if err != nil {
		return nil, 0, 0, err
	}
	return ab, height, width, nil
}

func (n *caffeNetwork) Info() Info {
	return n.info
}

func (n *caffeNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	n.head.close()
	return n.net.Close()
}
