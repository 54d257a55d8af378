package node

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/film"
	"gopkg.in/yaml.v3"
)

const maxSceneDimension = 8192

// Scene is the descriptor understood by SimEngine
type Scene struct {
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	SamplesPerPass int           `yaml:"samples_per_pass"`
	PassDelay      time.Duration `yaml:"pass_delay"`
}

// ParseScene decodes and validates a scene descriptor
func ParseScene(data []byte) (Scene, error) {
	var scene Scene
	if err := yaml.Unmarshal(data, &scene); err != nil {
		return Scene{}, fmt.Errorf("invalid scene descriptor: %w", err)
	}

	if scene.Width <= 0 || scene.Height <= 0 || scene.Width > maxSceneDimension || scene.Height > maxSceneDimension {
		return Scene{}, fmt.Errorf("invalid scene size %dx%d", scene.Width, scene.Height)
	}
	if scene.SamplesPerPass <= 0 {
		scene.SamplesPerPass = 1
	}
	if scene.PassDelay <= 0 {
		scene.PassDelay = 10 * time.Millisecond
	}

	return scene, nil
}

// SimEngine is a procedural progressive renderer: a lit sphere over a sky
// gradient, with seeded per-sample jitter so independent seeds converge to
// the same image.
type SimEngine struct {
	mu      sync.Mutex
	scene   Scene
	film    *film.Film
	rng     *rand.Rand
	passes  int
	started time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSimEngine returns an idle engine
func NewSimEngine() Engine {
	return &SimEngine{}
}

// Start begins rendering passes in the background
func (e *SimEngine) Start(descriptor []byte, seed uint64) error {
	if err := e.configure(descriptor, seed); err != nil {
		return err
	}

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.loop()

	return nil
}

func (e *SimEngine) configure(descriptor []byte, seed uint64) error {
	scene, err := ParseScene(descriptor)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.scene = scene
	e.film = film.New(scene.Width, scene.Height)
	e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	e.passes = 0
	e.started = time.Now()

	return nil
}

func (e *SimEngine) loop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.scene.PassDelay)
	defer ticker.Stop()

	for {
		e.renderPass()

		select {
		case <-ticker.C:
		case <-e.stopCh:
			return
		}
	}
}

// renderPass adds SamplesPerPass samples to every pixel
func (e *SimEngine) renderPass() {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, h := e.scene.Width, e.scene.Height
	for s := 0; s < e.scene.SamplesPerPass; s++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				u := (float64(x) + e.rng.Float64()) / float64(w)
				v := (float64(y) + e.rng.Float64()) / float64(h)
				r, g, b := shade(u, v)
				e.film.AddSample(x, y, r, g, b)
			}
		}
	}
	e.passes++
}

// shade returns the radiance seen through image point (u, v)
func shade(u, v float64) (float64, float64, float64) {
	dx, dy := (u-0.5)*2, (v-0.5)*2
	if d2 := dx*dx + dy*dy; d2 < 0.36 {
		// Sphere of radius 0.6 lit from the upper left
		nz := math.Sqrt(1 - d2/0.36)
		nx, ny := dx/0.6, dy/0.6
		light := math.Max(0, -0.5*nx-0.5*ny+0.7*nz)
		return 0.9*light + 0.05, 0.4*light + 0.05, 0.2*light + 0.05
	}

	sky := 1 - v
	return 0.3 + 0.4*sky, 0.5 + 0.4*sky, 0.9
}

// Stats reports passes, samples per pixel and sample rate
func (e *SimEngine) Stats() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.film == nil {
		return "idle"
	}

	elapsed := time.Since(e.started).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = e.film.Samples / elapsed
	}
	return fmt.Sprintf("pass %d, %.1f spp, %.0f samples/s", e.passes, e.film.SPP(), rate)
}

// Film returns a copy of the current film
func (e *SimEngine) Film() *film.Film {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.film == nil {
		return nil
	}
	return e.film.Clone()
}

// Stop halts the render loop
func (e *SimEngine) Stop() {
	if e.stopCh == nil {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
	})
}
