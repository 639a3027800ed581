package gems

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/y-oga-819/go-intelkit/intelkit"
)

var (
	ErrEnrichmentUnavailable = errors.New("AI enrichment not available")
	ErrNothingToEnrich       = errors.New("gem has no content or description to enrich")
)

// Service は保存と保存時のエンリッチをまとめる
type Service struct {
	store    *Store
	provider intelkit.Provider
	enricher *intelkit.Enricher
	logger   *zap.Logger
}

// NewService は新しいServiceを作成する
func NewService(store *Store, provider intelkit.Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		provider: provider,
		enricher: intelkit.NewEnricher(provider, logger),
		logger:   logger.Named("gems"),
	}
}

// Save はgemを保存する。利用可能ならタグと要約を付与するが、
// エンリッチに失敗しても保存は必ず行う。
func (s *Service) Save(ctx context.Context, g *Gem) (*Gem, error) {
	if text := enrichmentText(g); text != "" {
		if result := s.enricher.EnrichQuietly(ctx, text); result != nil {
			g.Enrichment = result
		}
	}

	saved, err := s.store.Save(ctx, g)
	if err != nil {
		return nil, err
	}
	s.logger.Info("gem saved",
		zap.String("id", saved.ID),
		zap.String("source_url", saved.SourceURL),
		zap.Bool("enriched", saved.Enrichment != nil))
	return saved, nil
}

// Enrich は保存済みのgemを明示的にエンリッチする。失敗はそのまま返す。
func (s *Service) Enrich(ctx context.Context, id string) (*Gem, error) {
	if availability := s.provider.CheckAvailability(ctx); !availability.Available {
		return nil, fmt.Errorf("%w: %s", ErrEnrichmentUnavailable, availability.Reason)
	}

	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	text := enrichmentText(g)
	if text == "" {
		return nil, ErrNothingToEnrich
	}

	result, err := s.enricher.Enrich(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateEnrichment(ctx, id, result); err != nil {
		return nil, err
	}
	g.Enrichment = result
	return g, nil
}

// enrichmentText は本文、無ければ説明文を返す
func enrichmentText(g *Gem) string {
	if strings.TrimSpace(g.Content) != "" {
		return g.Content
	}
	if strings.TrimSpace(g.Description) != "" {
		return g.Description
	}
	return ""
}
