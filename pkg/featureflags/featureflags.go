package featureflags

import (
	"context"

	"taskcenter/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// FeatureFlag answers environment-level switches. Without FLAGSMITH.API_KEY every
// feature reads as disabled.
type FeatureFlag interface {
	IsEnabled(ctx context.Context, feature string) (bool, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, feature string) (bool, error) {
	if s.client == nil {
		return false, nil
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return false, err
	}
	return flags.IsFeatureEnabled(feature)
}
