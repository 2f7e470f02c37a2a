package endpoints

import (
	"github.com/Arke-Institute/arke-metadata-service/internal/api"
	"github.com/Arke-Institute/arke-metadata-service/internal/chunk"
	"github.com/Arke-Institute/arke-metadata-service/internal/extract"
	"github.com/Arke-Institute/arke-metadata-service/internal/fetch"
)

// Config carries the dependencies the endpoints need.
type Config struct {
	Registry  *chunk.Registry
	Fetcher   *fetch.Fetcher
	Extractor *extract.Extractor
}

// All returns every endpoint, wired with its dependencies.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		&HealthEndpoint{},
		&ProcessEndpoint{Registry: cfg.Registry},
		&StatusEndpoint{Registry: cfg.Registry},
		&ExtractEndpoint{Fetcher: cfg.Fetcher, Extractor: cfg.Extractor},
		&ValidateEndpoint{},
	}
}
