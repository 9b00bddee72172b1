package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
	genai_std "google.golang.org/genai"

	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
)

// vertexAIClientPool lazily creates one shared Vertex AI client.
type vertexAIClientPool struct {
	config *repositories.AIClientConfig
	client *genai.Client
	mutex  sync.RWMutex
}

func newVertexAIClientPool(config *repositories.AIClientConfig) repositories.VertexAIClientPool {
	return &vertexAIClientPool{
		config: config,
	}
}

func (p *vertexAIClientPool) GetVertexAIClient(ctx context.Context) (*genai.Client, error) {
	p.mutex.RLock()
	if p.client != nil {
		defer p.mutex.RUnlock()
		return p.client, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// re-check under the write lock
	if p.client != nil {
		return p.client, nil
	}

	endpoint := fmt.Sprintf("%s-aiplatform.googleapis.com:443", p.config.Location)
	client, err := genai.NewClient(ctx, p.config.ProjectID, p.config.Location, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create VertexAI client: %w", err)
	}

	p.client = client
	return p.client, nil
}

func (p *vertexAIClientPool) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		return err
	}
	return nil
}

// genAIClientPool lazily creates one shared google.golang.org/genai client.
type genAIClientPool struct {
	config *repositories.AIClientConfig
	client *genai_std.Client
	mutex  sync.RWMutex
}

func newGenAIClientPool(config *repositories.AIClientConfig) repositories.GenAIClientPool {
	return &genAIClientPool{
		config: config,
	}
}

// clientConfig uses the Gemini API when an API key is set and Vertex AI otherwise.
func (p *genAIClientPool) clientConfig() (*genai_std.ClientConfig, error) {
	if p.config.GeminiAPIKey != "" {
		return &genai_std.ClientConfig{
			APIKey:  p.config.GeminiAPIKey,
			Backend: genai_std.BackendGeminiAPI,
		}, nil
	}
	if p.config.ProjectID == "" || p.config.Location == "" {
		return nil, errors.New("genai client needs GEMINI_API_KEY or a project and location")
	}
	return &genai_std.ClientConfig{
		Project:  p.config.ProjectID,
		Location: p.config.Location,
		Backend:  genai_std.BackendVertexAI,
	}, nil
}

func (p *genAIClientPool) GetGenAIClient(ctx context.Context) (*genai_std.Client, error) {
	p.mutex.RLock()
	if p.client != nil {
		defer p.mutex.RUnlock()
		return p.client, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// re-check under the write lock
	if p.client != nil {
		return p.client, nil
	}

	cc, err := p.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := genai_std.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	p.client = client
	return p.client, nil
}

func (p *genAIClientPool) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// genai clients hold no resources to release
	p.client = nil
	return nil
}

type clientPoolService struct {
	config       *repositories.AIClientConfig
	vertexAIPool repositories.VertexAIClientPool
	genAIPool    repositories.GenAIClientPool
}

// clients are created on first use
func NewClientPoolService(config repositories.AIClientConfig) repositories.ClientPoolService {
	cfg := &config
	return &clientPoolService{
		config:       cfg,
		vertexAIPool: newVertexAIClientPool(cfg),
		genAIPool:    newGenAIClientPool(cfg),
	}
}

func (s *clientPoolService) VertexAIPool() repositories.VertexAIClientPool {
	return s.vertexAIPool
}

func (s *clientPoolService) GenAIPool() repositories.GenAIClientPool {
	return s.genAIPool
}

func (s *clientPoolService) Config() *repositories.AIClientConfig {
	return s.config
}

func (s *clientPoolService) Close() error {
	var errs []error

	if err := s.vertexAIPool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("VertexAI pool close error: %w", err))
	}
	if err := s.genAIPool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("GenAI pool close error: %w", err))
	}

	return errors.Join(errs...)
}
