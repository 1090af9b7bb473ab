// Package engine builds the configured playback engine connector.
package engine

import (
	"net/http"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/infra/config"
	"github.com/moonggae/kmedia/internal/infra/engine/local"
	"github.com/moonggae/kmedia/internal/infra/engine/mpris"
	"github.com/moonggae/kmedia/internal/infra/engine/remote"
)

// Engine is a connector plus whatever runs in-process behind it.
type Engine struct {
	Connector controller.Connector
	Player    *local.Player // nil unless the engine is local
}

// Close stops the in-process player, if any.
func (e *Engine) Close() {
	if e.Player != nil {
		e.Player.Close()
	}
}

// New creates the engine selected by cfg.Type. A nil httpClient uses the
// default client for remote engines.
func New(cfg config.EngineConfig, httpClient *http.Client) (*Engine, error) {
	zlog.Debug().Msgf("engine: creating: type=%s settings=%+v", cfg.Type, cfg.Settings)

	switch cfg.Type {
	case config.EngineLocal:
		var settings local.Config
		if err := DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, errors.Wrap(err, "local engine")
		}
		player := local.NewPlayer(settings)
		return &Engine{Connector: local.NewConnector(player), Player: player}, nil

	case config.EngineRemote:
		var settings remote.Config
		if err := DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, errors.Wrap(err, "remote engine")
		}
		var client connect.HTTPClient
		if httpClient != nil {
			client = httpClient
		}
		return &Engine{Connector: remote.NewConnector(client, settings)}, nil

	case config.EngineMPRIS:
		var settings mpris.Config
		if err := DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, errors.Wrap(err, "mpris engine")
		}
		return &Engine{Connector: mpris.NewConnector(settings)}, nil

	default:
		return nil, errors.Newf("unsupported engine type: %s", cfg.Type)
	}
}

// DecodeSettings decodes free-form settings into out, then applies defaults
// and validates. Durations may be given as strings like "250ms".
func DecodeSettings[T any](settings map[string]any, out *T) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create settings decoder")
	}
	if err := dec.Decode(settings); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(out); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(out); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}
