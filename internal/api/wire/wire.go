// Package wire defines the Connect procedures and payloads shared by the
// engine process, the daemon and the client.
//
// Payloads travel as google.protobuf.Struct, so no code generation is
// needed. Go values are encoded through their json tags and decoded with
// mapstructure.
package wire

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// SessionHeader carries the engine session id.
	SessionHeader = "Kmedia-Session"
	// TokenHeader carries the control token.
	TokenHeader = "X-Kmedia-Token"
)

// Engine service procedures.
const (
	EngineServiceName = "kmedia.engine.v1.EngineService"

	EngineOpenSessionProcedure  = "/" + EngineServiceName + "/OpenSession"
	EngineCloseSessionProcedure = "/" + EngineServiceName + "/CloseSession"
	EnginePingProcedure         = "/" + EngineServiceName + "/Ping"
	EngineCommandProcedure      = "/" + EngineServiceName + "/Command"
	EngineItemsProcedure        = "/" + EngineServiceName + "/Items"
	EngineRecreateProcedure     = "/" + EngineServiceName + "/Recreate"
	EngineWatchStateProcedure   = "/" + EngineServiceName + "/WatchState"
)

// Control service procedures.
const (
	ControlServiceName = "kmedia.control.v1.ControlService"

	ControlCommandProcedure            = "/" + ControlServiceName + "/Command"
	ControlSleepStartProcedure         = "/" + ControlServiceName + "/SleepStart"
	ControlSleepStartTrackEndProcedure = "/" + ControlServiceName + "/SleepStartTrackEnd"
	ControlSleepCancelProcedure        = "/" + ControlServiceName + "/SleepCancel"
	ControlWatchSleepProcedure         = "/" + ControlServiceName + "/WatchSleep"
	ControlWatchPlaybackProcedure      = "/" + ControlServiceName + "/WatchPlayback"
	ControlCacheSetEnabledProcedure    = "/" + ControlServiceName + "/CacheSetEnabled"
	ControlCacheSetMaxSizeProcedure    = "/" + ControlServiceName + "/CacheSetMaxSize"
	ControlCachePrecacheProcedure      = "/" + ControlServiceName + "/CachePrecache"
	ControlCacheRemoveProcedure        = "/" + ControlServiceName + "/CacheRemove"
	ControlWatchCacheStatusProcedure   = "/" + ControlServiceName + "/WatchCacheStatus"
	ControlWatchCacheUsageProcedure    = "/" + ControlServiceName + "/WatchCacheUsage"
)

// Encode converts v to a Struct through its json representation.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "failed to convert payload")
	}
	return s, nil
}

// MustEncode is Encode for payload types that always encode.
func MustEncode(v any) *structpb.Struct {
	s, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode fills v from s. Numbers arrive as float64 and are converted to the
// field types.
func Decode(s *structpb.Struct, v any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}
	if err := decoder.Decode(s.AsMap()); err != nil {
		return errors.Wrap(err, "failed to decode payload")
	}
	return nil
}
