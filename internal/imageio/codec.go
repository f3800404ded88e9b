// Image decoding and encoding at the service boundary
package imageio

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"photo-colorizer/internal/core"
)

// Output formats
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// DefaultExtensions are the upload extensions accepted when none are configured
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".tif", ".webp"}

// Options configures a Codec
type Options struct {
	AllowedExtensions []string
	OutputFormat      string
	JPEGQuality       int
}

// Codec converts between encoded images and 8-bit BGR Mats
type Codec struct {
	logger      logrus.FieldLogger
	allowed     map[string]bool
	format      string
	jpegQuality int
}

// NewCodec creates a new Codec
func NewCodec(logger logrus.FieldLogger, opts Options) (*Codec, error) {
	exts := opts.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	format := strings.ToLower(opts.OutputFormat)
	switch format {
	case "", "jpg", FormatJPEG:
		format = FormatJPEG
	case FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", opts.OutputFormat)
	}

	quality := opts.JPEGQuality
	if quality == 0 {
		quality = 95
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d outside [1, 100]", quality)
	}

	return &Codec{logger: logger, allowed: allowed, format: format, jpegQuality: quality}, nil
}

// IsSupported reports whether a file name has an accepted extension. Names
// without an extension are accepted and left to content sniffing.
func (c *Codec) IsSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == "" || c.allowed[ext]
}

// Extensions lists the accepted upload extensions
func (c *Codec) Extensions() []string {
	out := make([]string, 0, len(c.allowed))
	for _, ext := range DefaultExtensions {
		if c.allowed[ext] {
			out = append(out, ext)
		}
	}
	for ext := range c.allowed {
		if !contains(out, ext) {
			out = append(out, ext)
		}
	}
	return out
}

// Sniff identifies the encoded format from content alone
func Sniff(r io.Reader) (string, image.Config, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return "", image.Config{}, fmt.Errorf("%w: unrecognised image data: %v", core.ErrInvalidImage, err)
	}
	return format, cfg, nil
}

// Decode reads an encoded image, applies its EXIF orientation and returns
// an 8-bit BGR Mat. Single-channel and alpha images become 3-channel.
func (c *Codec) Decode(r io.Reader) (gocv.Mat, core.ImageMetadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return gocv.NewMat(), core.ImageMetadata{}, fmt.Errorf("read image: %w", err)
	}

	format, cfg, err := Sniff(bytes.NewReader(data))
	if err != nil {
		return gocv.NewMat(), core.ImageMetadata{}, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return gocv.NewMat(), core.ImageMetadata{}, fmt.Errorf("%w: %dx%d", core.ErrEmptyImage, cfg.Width, cfg.Height)
	}
	if cfg.Width > core.MaxDimension || cfg.Height > core.MaxDimension {
		return gocv.NewMat(), core.ImageMetadata{}, fmt.Errorf("%w: image too large: %dx%d (max: %d)",
			core.ErrInvalidImage, cfg.Width, cfg.Height, core.MaxDimension)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return gocv.NewMat(), core.ImageMetadata{}, fmt.Errorf("%w: %v", core.ErrInvalidImage, err)
	}

	mat, err := FromImage(img)
	if err != nil {
		return gocv.NewMat(), core.ImageMetadata{}, err
	}

	meta := core.MetadataOf(mat, format)
	c.logger.WithFields(logrus.Fields{
		"format":   format,
		"width":    meta.Width,
		"height":   meta.Height,
		"channels": meta.Channels,
	}).Debug("Image decoded successfully")
	return mat, meta, nil
}

// DecodeFile decodes the image stored at path
func (c *Codec) DecodeFile(path string) (gocv.Mat, core.ImageMetadata, error) {
	if !c.IsSupported(path) {
		return gocv.NewMat(), core.ImageMetadata{}, fmt.Errorf("%w: unsupported image format: %s", core.ErrInvalidImage, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return gocv.NewMat(), core.ImageMetadata{}, fmt.Errorf("%w: %v", core.ErrInvalidImage, err)
	}
	return c.Decode(bytes.NewReader(data))
}

// FromImage converts any image.Image into an 8-bit BGR Mat. Alpha is dropped
// without compositing.
func FromImage(img image.Image) (gocv.Mat, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return gocv.NewMat(), fmt.Errorf("%w: %dx%d", core.ErrEmptyImage, b.Dx(), b.Dy())
	}

	nrgba := imaging.Clone(img)
	w, h := b.Dx(), b.Dy()
	bgr := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		out := bgr[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			out[x*3] = row[x*4+2]
			out[x*3+1] = row[x*4+1]
			out[x*3+2] = row[x*4]
		}
	}

	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, bgr)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", core.ErrInvalidImage, err)
	}
	return mat, nil
}

// Encode compresses an 8-bit BGR Mat in the configured output format
func (c *Codec) Encode(mat gocv.Mat) ([]byte, string, error) {
	if mat.Empty() {
		return nil, "", fmt.Errorf("cannot encode empty image")
	}

	var (
		buf *gocv.NativeByteBuffer
		err error
	)
	contentType := ContentType(c.format)
	switch c.format {
	case FormatPNG:
		buf, err = gocv.IMEncode(gocv.PNGFileExt, mat)
	default:
		buf, err = gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{int(gocv.IMWriteJpegQuality), c.jpegQuality})
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", c.format, err)
	}
	defer buf.Close()

	data := append([]byte(nil), buf.GetBytes()...)
	c.logger.WithFields(logrus.Fields{
		"format": c.format,
		"width":  mat.Cols(),
		"height": mat.Rows(),
		"bytes":  len(data),
	}).Debug("Image encoded successfully")
	return data, contentType, nil
}

// SaveImage writes an 8-bit BGR Mat to path, choosing the format by extension
func (c *Codec) SaveImage(mat gocv.Mat, path string) error {
	if mat.Empty() {
		return fmt.Errorf("cannot save empty image")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp":
	default:
		return fmt.Errorf("unsupported output format: %s", path)
	}

	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("failed to save image: %s", path)
	}

	c.logger.WithFields(logrus.Fields{
		"filepath": path,
		"width":    mat.Cols(),
		"height":   mat.Rows(),
		"channels": mat.Channels(),
	}).Info("Image saved successfully")
	return nil
}

// Format returns the configured output format
func (c *Codec) Format() string {
	return c.format
}

// Extension returns the file extension of the configured output format
func (c *Codec) Extension() string {
	if c.format == FormatPNG {
		return ".png"
	}
	return ".jpg"
}

// ContentType maps an output format to its MIME type
func ContentType(format string) string {
	if format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
