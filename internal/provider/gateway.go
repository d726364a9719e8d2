package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// Provider is one configured upstream.
type Provider struct {
	ID      string
	Family  Family
	Adapter Adapter
	Models  []string
}

type GatewayOptions struct {
	Logger    *slog.Logger
	Providers []Provider
	Routes    map[Family]Route

	// DefaultModel is used when a call names no model.
	DefaultModel string
}

// Input is what the session controller hands to the gateway.
type Input struct {
	ModelID         string
	UserID          string
	System          string
	Messages        []Message
	Memory          []string
	MaxOutputTokens int
}

// Session is a committed upstream stream. Reads yield encoded frames.
type Session struct {
	io.ReadCloser

	// Model is the "<provider_id>/<model_name>" that is actually answering.
	Model    string
	Provider string
	Attempt  int
}

func (s *Session) Fallback() bool { return s != nil && s.Attempt > 0 }

// Gateway picks the adapter for a model and applies the family fallback.
//
// Adapters only return a stream after its first frame exists, so once Call
// returns the choice of adapter is final for that turn.
type Gateway struct {
	log          *slog.Logger
	providers    map[string]Provider
	routes       map[Family]Route
	defaultModel ModelRef
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if len(opts.Providers) == 0 {
		return nil, errors.New("gateway: no providers")
	}
	g := &Gateway{
		log:       logger,
		providers: make(map[string]Provider, len(opts.Providers)),
		routes:    make(map[Family]Route, len(opts.Routes)),
	}
	for _, p := range opts.Providers {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" || p.Adapter == nil {
			return nil, fmt.Errorf("gateway: provider %q missing id or adapter", p.ID)
		}
		if _, err := ParseFamily(string(p.Family)); err != nil {
			return nil, fmt.Errorf("gateway: provider %q: %w", p.ID, err)
		}
		if _, dup := g.providers[p.ID]; dup {
			return nil, fmt.Errorf("gateway: duplicate provider %q", p.ID)
		}
		g.providers[p.ID] = p
	}
	for fam, route := range opts.Routes {
		if _, err := ParseFamily(string(fam)); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		route.Fallback = strings.TrimSpace(route.Fallback)
		route.FallbackModel = strings.TrimSpace(route.FallbackModel)
		if route.Fallback != "" {
			fb, ok := g.providers[route.Fallback]
			if !ok {
				return nil, fmt.Errorf("gateway: family %s falls back to unknown provider %q", fam, route.Fallback)
			}
			if route.FallbackModel == "" {
				return nil, fmt.Errorf("gateway: family %s fallback has no model", fam)
			}
			if len(fb.Models) > 0 && !slices.Contains(fb.Models, route.FallbackModel) {
				return nil, fmt.Errorf("gateway: fallback model %q is not offered by %q", route.FallbackModel, fb.ID)
			}
		}
		g.routes[fam] = route
	}
	if strings.TrimSpace(opts.DefaultModel) != "" {
		ref, err := g.Resolve(opts.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("gateway: default model: %w", err)
		}
		g.defaultModel = ref
	}
	return g, nil
}

// Resolve validates a model id against the configured providers.
func (g *Gateway) Resolve(modelID string) (ModelRef, error) {
	if strings.TrimSpace(modelID) == "" {
		if g.defaultModel.ProviderID == "" {
			return ModelRef{}, fmt.Errorf("%w: no model given and no default", ErrUnknownModel)
		}
		return g.defaultModel, nil
	}
	ref, err := ParseModelID(modelID)
	if err != nil {
		return ModelRef{}, err
	}
	p, ok := g.providers[ref.ProviderID]
	if !ok {
		return ModelRef{}, fmt.Errorf("%w: provider %q", ErrUnknownModel, ref.ProviderID)
	}
	if len(p.Models) > 0 && !slices.Contains(p.Models, ref.ModelName) {
		return ModelRef{}, fmt.Errorf("%w: %s", ErrUnknownModel, ref)
	}
	return ref, nil
}

// Models lists every configured model id.
func (g *Gateway) Models() []string {
	var out []string
	for _, p := range g.providers {
		for _, m := range p.Models {
			out = append(out, p.ID+"/"+m)
		}
	}
	slices.Sort(out)
	return out
}

// Call opens the primary adapter and, on a transient failure before any
// output, the family fallback with its substitute model. Fatal failures are
// returned as-is.
func (g *Gateway) Call(ctx context.Context, in Input) (*Session, error) {
	ref, err := g.Resolve(in.ModelID)
	if err != nil {
		return nil, err
	}
	primary := g.providers[ref.ProviderID]
	route := g.routes[primary.Family]

	req := Request{
		Model:           ref.ModelName,
		System:          buildSystemPrompt(in.System, in.Memory),
		Messages:        in.Messages,
		MaxOutputTokens: in.MaxOutputTokens,
		Timeout:         route.Timeout,
	}

	rc, err := primary.Adapter.Call(ctx, req)
	if err == nil {
		return &Session{ReadCloser: rc, Model: ref.String(), Provider: primary.ID}, nil
	}
	if !IsTransient(err) || route.Fallback == "" || ctx.Err() != nil {
		return nil, err
	}

	fb := g.providers[route.Fallback]
	g.log.Warn("primary provider failed, using fallback",
		"family", string(primary.Family),
		"primary", ref.String(),
		"fallback", fb.ID+"/"+route.FallbackModel,
		"user_id", in.UserID,
		"error", err.Error(),
	)
	req.Model = route.FallbackModel
	rc, fbErr := fb.Adapter.Call(ctx, req)
	if fbErr != nil {
		return nil, fbErr
	}
	return &Session{ReadCloser: rc, Model: fb.ID + "/" + route.FallbackModel, Provider: fb.ID, Attempt: 1}, nil
}

func buildSystemPrompt(system string, memory []string) string {
	system = strings.TrimSpace(system)
	var notes []string
	for _, m := range memory {
		if m = strings.TrimSpace(m); m != "" {
			notes = append(notes, "- "+m)
		}
	}
	if len(notes) == 0 {
		return system
	}
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant notes about this user:\n")
	b.WriteString(strings.Join(notes, "\n"))
	return b.String()
}
