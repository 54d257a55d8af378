package film

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
)

const (
	magic         = "RFLM"
	formatVersion = 1
	headerSize    = 4 + 4 + 4 + 4 + 8

	// Bounds on decoded films, keeping the payload size well inside int
	maxDimension = 1 << 15
	maxPixels    = 1 << 26
)

var (
	// ErrDimensionMismatch is returned when merging films of different sizes
	ErrDimensionMismatch = errors.New("film dimensions do not match")

	// ErrCorrupt is returned when a film file cannot be decoded
	ErrCorrupt = errors.New("corrupt film")
)

// Film accumulates progressive render output. Pixels holds the per-pixel RGB
// radiance sums in row-major order; Samples counts every sample ever added.
type Film struct {
	Width   int
	Height  int
	Samples float64
	Pixels  []float64
}

// New returns an empty film
func New(width, height int) *Film {
	return &Film{
		Width:  width,
		Height: height,
		Pixels: make([]float64, width*height*3),
	}
}

// SPP returns the average number of samples per pixel
func (f *Film) SPP() float64 {
	if f.Width <= 0 || f.Height <= 0 {
		return 0
	}
	return f.Samples / float64(f.Width*f.Height)
}

// AddSample accumulates one radiance sample at (x, y)
func (f *Film) AddSample(x, y int, r, g, b float64) {
	i := (y*f.Width + x) * 3
	f.Pixels[i] += r
	f.Pixels[i+1] += g
	f.Pixels[i+2] += b
	f.Samples++
}

// Merge adds other into f. Merging is element-wise addition, so the order
// films are merged in does not change the result beyond float rounding.
func (f *Film) Merge(other *Film) error {
	if other.Width != f.Width || other.Height != f.Height {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			f.Width, f.Height, other.Width, other.Height)
	}

	for i, v := range other.Pixels {
		f.Pixels[i] += v
	}
	f.Samples += other.Samples

	return nil
}

// Clone returns a deep copy
func (f *Film) Clone() *Film {
	pixels := make([]float64, len(f.Pixels))
	copy(pixels, f.Pixels)
	return &Film{
		Width:   f.Width,
		Height:  f.Height,
		Samples: f.Samples,
		Pixels:  pixels,
	}
}

// Encode writes the binary film format: a fixed header followed by the
// snappy-compressed pixel payload.
func (f *Film) Encode(w io.Writer) error {
	header := make([]byte, headerSize)
	copy(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], formatVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(f.Width))
	binary.LittleEndian.PutUint32(header[12:16], uint32(f.Height))
	binary.LittleEndian.PutUint64(header[16:24], math.Float64bits(f.Samples))

	raw := make([]byte, len(f.Pixels)*8)
	for i, v := range f.Pixels {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write film header: %w", err)
	}
	if _, err := w.Write(snappy.Encode(nil, raw)); err != nil {
		return fmt.Errorf("failed to write film payload: %w", err)
	}

	return nil
}

// Decode reads a film written by Encode
func Decode(r io.Reader) (*Film, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read film: %w", err)
	}

	if len(data) < headerSize || string(data[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}

	width := binary.LittleEndian.Uint32(data[8:12])
	height := binary.LittleEndian.Uint32(data[12:16])
	if width == 0 || height == 0 || width > maxDimension || height > maxDimension ||
		uint64(width)*uint64(height) > maxPixels {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrCorrupt, width, height)
	}

	f := &Film{
		Width:   int(width),
		Height:  int(height),
		Samples: math.Float64frombits(binary.LittleEndian.Uint64(data[16:24])),
	}

	// Size the payload before snappy allocates it
	want := f.Width * f.Height * 3
	body := data[headerSize:]
	n, err := snappy.DecodedLen(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != want*8 {
		return nil, fmt.Errorf("%w: payload has %d bytes, want %d", ErrCorrupt, n, want*8)
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(raw) != want*8 {
		return nil, fmt.Errorf("%w: payload has %d bytes, want %d", ErrCorrupt, len(raw), want*8)
	}

	f.Pixels = make([]float64, want)
	for i := range f.Pixels {
		f.Pixels[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}

	return f, nil
}

// Save writes the film to path through a temporary file and rename, so
// readers never observe a partial film.
func (f *Film) Save(path string) error {
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return err
	}

	return writeFileAtomic(path, buf.Bytes())
}

// Load reads a film from path. A missing file yields an error matching
// fs.ErrNotExist.
func Load(path string) (*Film, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	f, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return f, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
