package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"companion/internal/providers"
	"companion/internal/providers/catalog"
	"companion/internal/providers/gemini"
	"companion/internal/providers/openai_compat"
)

var ErrNotImageCapable = errors.New("model does not generate images")

type BuildOptions struct {
	Family     providers.Family
	Name       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Build constructs the transport for one provider family. The Gemini client
// also implements providers.ImageProvider.
func Build(ctx context.Context, opts BuildOptions) (providers.Provider, error) {
	switch opts.Family {
	case providers.FamilyGemini:
		c, err := gemini.New(ctx, gemini.Config{
			APIKey:     opts.APIKey,
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	case providers.FamilyOpenAICompat:
		return openai_compat.New(openai_compat.Config{
			Name:       opts.Name,
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Headers:    opts.Headers,
			HTTPClient: opts.HTTPClient,
		}), nil

	case providers.FamilyDisabled:
		return nil, providers.ErrModelDisabled

	default:
		return nil, fmt.Errorf("unsupported provider family %q", opts.Family)
	}
}

type KeyResolver interface {
	Resolve(source string) (string, error)
}

type Options struct {
	Catalog    *catalog.Catalog
	Keys       KeyResolver
	HTTPClient *http.Client
	// Headers are sent on aggregator requests (attribution headers).
	Headers map[string]string
}

type clientKey struct {
	family    providers.Family
	endpoint  string
	keySource string
}

// Registry resolves model ids to profiles and lazily built transports.
// Transports are shared by every model with the same family, endpoint and
// key source.
type Registry struct {
	opts Options

	mu      sync.Mutex
	clients map[clientKey]providers.Provider
}

func New(opts Options) *Registry {
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	return &Registry{opts: opts, clients: map[clientKey]providers.Provider{}}
}

func (r *Registry) Fallback(modelID string) (string, bool) {
	return r.opts.Catalog.Fallback(modelID)
}

// Resolve returns the profile for modelID and its transport. Disabled
// profiles are returned together with providers.ErrModelDisabled.
func (r *Registry) Resolve(ctx context.Context, modelID string) (providers.Profile, providers.Provider, error) {
	p, err := r.opts.Catalog.Profile(modelID)
	if err != nil {
		return providers.Profile{}, nil, err
	}
	if p.Family == providers.FamilyDisabled {
		return p, nil, fmt.Errorf("%s: %w", modelID, providers.ErrModelDisabled)
	}
	client, err := r.client(ctx, p)
	if err != nil {
		return p, nil, err
	}
	return p, client, nil
}

func (r *Registry) ResolveImage(ctx context.Context, modelID string) (providers.Profile, providers.ImageProvider, error) {
	p, client, err := r.Resolve(ctx, modelID)
	if err != nil {
		return p, nil, err
	}
	img, ok := client.(providers.ImageProvider)
	if !p.Image || !ok {
		return p, nil, fmt.Errorf("%w: %s", ErrNotImageCapable, modelID)
	}
	return p, img, nil
}

func (r *Registry) client(ctx context.Context, p providers.Profile) (providers.Provider, error) {
	key := clientKey{family: p.Family, endpoint: p.Endpoint, keySource: p.KeySource}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}

	apiKey := ""
	if r.opts.Keys != nil {
		k, err := r.opts.Keys.Resolve(p.KeySource)
		if err != nil {
			return nil, fmt.Errorf("resolve key for %s: %w", p.ModelID, err)
		}
		apiKey = k
	}
	c, err := Build(ctx, BuildOptions{
		Family:     p.Family,
		Name:       p.DisplayName,
		BaseURL:    p.Endpoint,
		APIKey:     apiKey,
		Headers:    r.opts.Headers,
		HTTPClient: r.opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("build provider for %s: %w", p.ModelID, err)
	}
	r.clients[key] = c
	return c, nil
}
