package intelkit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Provider はタグ生成と要約を行うバックエンド
type Provider interface {
	Name() string
	CheckAvailability(ctx context.Context) Availability
	GenerateTags(ctx context.Context, content string) ([]string, error)
	Summarize(ctx context.Context, content string) (string, error)
	Close() error
}

// sessionEnricher はタグと要約を1つのセッションで続けて生成できるProvider
type sessionEnricher interface {
	enrichInSession(ctx context.Context, content string) ([]string, string, error)
}

var (
	_ Provider        = (*Client)(nil)
	_ Provider        = (*NoopProvider)(nil)
	_ sessionEnricher = (*Client)(nil)
)

// Open はopts.Providerに応じたProviderを返す。
// サイドカーを起動できなかった場合はNoopProviderにフォールバックする。
func Open(ctx context.Context, opts *Options) Provider {
	o := opts.withDefaults()

	switch o.Provider {
	case ProviderIntelligenceKit:
		c := Start(ctx, opts)
		if c.proc == nil {
			return NewNoopProvider(c.CheckAvailability(ctx).Reason)
		}
		return c
	case ProviderNone:
		return NewNoopProvider("intelligence disabled")
	default:
		o.Logger.Warn("unknown intelligence provider", zap.String("provider", o.Provider))
		return NewNoopProvider(fmt.Sprintf("unknown provider %q", o.Provider))
	}
}

// NoopProvider は常に利用不可を返すProvider
type NoopProvider struct {
	reason    string
	checkedAt time.Time
}

// NewNoopProvider は利用不可の理由を持つNoopProviderを作成する
func NewNoopProvider(reason string) *NoopProvider {
	return &NoopProvider{reason: reason, checkedAt: time.Now()}
}

func (p *NoopProvider) Name() string {
	return "noop"
}

func (p *NoopProvider) CheckAvailability(ctx context.Context) Availability {
	return Availability{Available: false, Reason: p.reason, CheckedAt: p.checkedAt}
}

func (p *NoopProvider) GenerateTags(ctx context.Context, content string) ([]string, error) {
	return nil, NewErrorWithDetails("generate tags", ErrUnavailable, p.reason)
}

func (p *NoopProvider) Summarize(ctx context.Context, content string) (string, error) {
	return "", NewErrorWithDetails("summarize", ErrUnavailable, p.reason)
}

func (p *NoopProvider) Close() error {
	return nil
}
