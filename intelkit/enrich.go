package intelkit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EnrichmentResult はタグと要約の生成結果
type EnrichmentResult struct {
	Tags       []string  `json:"tags"`
	Summary    string    `json:"summary"`
	Provider   string    `json:"provider"`
	EnrichedAt time.Time `json:"enriched_at"`
}

// Enricher はProviderを使って本文にタグと要約を付与する。
// 保存時の暗黙的な実行（EnrichQuietly）と明示的な実行（Enrich）は同じ処理を共有する。
type Enricher struct {
	provider Provider
	logger   *zap.Logger
	now      func() time.Time
}

// NewEnricher は新しいEnricherを作成する
func NewEnricher(provider Provider, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		provider: provider,
		logger:   logger.Named("enrich"),
		now:      time.Now,
	}
}

// Enrich は明示的な実行。失敗はそのまま呼び出し元に返す。
func (e *Enricher) Enrich(ctx context.Context, content string) (*EnrichmentResult, error) {
	return e.enrich(ctx, content)
}

// EnrichQuietly は保存時の実行。失敗はログに残してnilを返し、保存自体は妨げない。
func (e *Enricher) EnrichQuietly(ctx context.Context, content string) *EnrichmentResult {
	result, err := e.enrich(ctx, content)
	if err != nil {
		if IsUnavailable(err) {
			e.logger.Debug("enrichment skipped", zap.Error(err))
		} else {
			e.logger.Warn("enrichment failed", zap.Error(err))
		}
		return nil
	}
	return result
}

func (e *Enricher) enrich(ctx context.Context, content string) (*EnrichmentResult, error) {
	if availability := e.provider.CheckAvailability(ctx); !availability.Available {
		return nil, NewErrorWithDetails("enrich", ErrUnavailable, availability.Reason)
	}
	if strings.TrimSpace(content) == "" {
		return nil, NewError("enrich", ErrEmptyContent)
	}

	var (
		tags    []string
		summary string
		err     error
	)
	if se, ok := e.provider.(sessionEnricher); ok {
		tags, summary, err = se.enrichInSession(ctx, content)
	} else {
		tags, err = e.provider.GenerateTags(ctx, content)
		if err == nil {
			summary, err = e.provider.Summarize(ctx, content)
		}
	}
	if err != nil {
		return nil, err
	}

	result := &EnrichmentResult{
		Tags:       tags,
		Summary:    summary,
		Provider:   e.provider.Name(),
		EnrichedAt: e.now().UTC(),
	}
	e.logger.Debug("enriched", zap.Strings("tags", tags), zap.Int("bytes", len(content)))
	return result, nil
}
