//go:build matprofile

package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// Run with: go test -tags matprofile ./internal/core/
func TestRunReleasesMatsWhenGradeFails(t *testing.T) {
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, 120, 0), 12, 12, gocv.MatTypeCV8UC3)
	defer src.Close()
	p := NewPipeline(nil)
	net := &constantAB{grid: 56}

	before := gocv.MatProfile.Count()
	for i := 0; i < 3; i++ {
		_, err := p.Run(src, net, func(img gocv.Mat) (gocv.Mat, error) {
			return gocv.NewMatWithSize(img.Rows(), img.Cols(), gocv.MatTypeCV32FC3), errors.New("bad parameters")
		})
		require.ErrorContains(t, err, "bad parameters")
	}
	assert.Equal(t, before, gocv.MatProfile.Count(), "every Mat created by a failed run is closed")
}
