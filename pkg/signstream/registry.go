package signstream

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/signstream/pkg/adapters/detect"
	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/configutil"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/providers/mediapipe"
	"github.com/harunnryd/signstream/pkg/providers/mock"
)

type DetectorFactory func(settings map[string]any) (detect.Detector, error)
type SourceFactory func(settings map[string]any) (capture.Source, error)

// ProviderRegistry maps provider names from the config to constructors.
type ProviderRegistry struct {
	detectors map[string]DetectorFactory
	sources   map[string]SourceFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		detectors: make(map[string]DetectorFactory),
		sources:   make(map[string]SourceFactory),
	}
}

// DefaultProviders registers the built-in detectors (mediapipe, mock) and capture
// sources (static, dir).
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterDetector("mediapipe", buildMediapipe)
	r.RegisterDetector("mock", buildMockDetector)
	r.RegisterSource("static", buildStaticSource)
	r.RegisterSource("dir", buildDirSource)
	return r
}

func (r *ProviderRegistry) RegisterDetector(name string, factory DetectorFactory) {
	r.detectors[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterSource(name string, factory SourceFactory) {
	r.sources[normalize(name)] = factory
}

func (r *ProviderRegistry) BuildDetector(p configutil.Provider) (detect.Detector, error) {
	fn := r.detectors[p.Name()]
	if fn == nil {
		return nil, fmt.Errorf("detector provider not registered: %s (have %s)", p.Provider, strings.Join(keys(r.detectors), ", "))
	}
	return fn(p.Settings)
}

func (r *ProviderRegistry) BuildSource(p configutil.Provider) (capture.Source, error) {
	fn := r.sources[p.Name()]
	if fn == nil {
		return nil, fmt.Errorf("capture provider not registered: %s (have %s)", p.Provider, strings.Join(keys(r.sources), ", "))
	}
	return fn(p.Settings)
}

func buildMediapipe(settings map[string]any) (detect.Detector, error) {
	var cfg mediapipe.Config
	if err := configutil.Decode("detector.settings", settings, configutil.Schema{
		Required: []string{"url"},
		Optional: []string{"min_confidence", "dial_timeout_ms", "queue_size", "dial_retries"},
	}, &cfg); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(cfg.URL, "detector.settings.url"); err != nil {
		return nil, err
	}
	for k := range cfg.MinConfidence {
		if !knownFamily(landmarks.Family(k)) {
			return nil, fmt.Errorf("detector.settings.min_confidence: unknown family %s", k)
		}
	}
	return mediapipe.New(cfg), nil
}

type mockDetectorSettings struct {
	// Families limits the answered families; empty answers all four.
	Families []string      `mapstructure:"families"`
	Delay    time.Duration `mapstructure:"delay"`
}

func buildMockDetector(settings map[string]any) (detect.Detector, error) {
	var s mockDetectorSettings
	if err := configutil.Decode("detector.settings", settings, configutil.Schema{
		Optional: []string{"families", "delay"},
	}, &s); err != nil {
		return nil, err
	}
	sets := mock.FullBody()
	if len(s.Families) > 0 {
		keep := make(map[landmarks.Family]landmarks.Set, len(s.Families))
		for _, name := range s.Families {
			f := landmarks.Family(normalize(name))
			if !knownFamily(f) {
				return nil, fmt.Errorf("detector.settings.families: unknown family %s", name)
			}
			keep[f] = sets[f]
		}
		sets = keep
	}
	cfg := mock.DetectorConfig{Sets: sets}
	if s.Delay > 0 {
		cfg.Delays = make(map[landmarks.Family]time.Duration, len(landmarks.Families))
		for _, f := range landmarks.Families {
			cfg.Delays[f] = s.Delay
		}
	}
	return mock.NewDetector(cfg), nil
}

type staticSourceSettings struct {
	Path string `mapstructure:"path"`
	MIME string `mapstructure:"mime"`
}

func buildStaticSource(settings map[string]any) (capture.Source, error) {
	var s staticSourceSettings
	if err := configutil.Decode("capture.settings", settings, configutil.Schema{
		Optional: []string{"path", "mime"},
	}, &s); err != nil {
		return nil, err
	}
	if s.MIME == "" {
		s.MIME = "image/jpeg"
	}
	var data []byte
	if s.Path != "" {
		b, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("capture.settings.path: %w", err)
		}
		data = b
	}
	return capture.NewStaticSource(data, s.MIME), nil
}

func buildDirSource(settings map[string]any) (capture.Source, error) {
	var cfg capture.DirConfig
	if err := configutil.Decode("capture.settings", settings, configutil.Schema{
		Required: []string{"path"},
		Optional: []string{"loop"},
	}, &cfg); err != nil {
		return nil, err
	}
	return capture.NewDirSource(cfg), nil
}

func knownFamily(f landmarks.Family) bool {
	for _, known := range landmarks.Families {
		if f == known {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
