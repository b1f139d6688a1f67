package registry

import (
	"encoding/json"
	"fmt"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/measurements"
	"github.com/tagtrace/tagstream/virtualchannel"
)

// RegisterBuiltins registers every reference measurement and virtual-channel
// type against r: the closed set of core measurement types a deployment can
// construct by name out of configuration.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		typeName string
		schema   string
		factory  Factory
	}{
		{"counter", counterBuiltinSchema, counterBuiltin},
		{"count_between_markers", countBetweenMarkersSchema, countBetweenMarkersBuiltin},
		{"correlation", correlationSchema, correlationBuiltin},
		{"histogram_log_bins", histogramLogBinsSchema, histogramLogBinsBuiltin},
		{"time_differences", timeDifferencesSchema, timeDifferencesBuiltin},
		{"flim", flimSchema, flimBuiltin},
		{"time_tag_stream", timeTagStreamSchema, timeTagStreamBuiltin},
		{"combiner", combinerSchema, combinerBuiltin},
		{"coincidences", coincidencesSchema, coincidencesBuiltin},
		{"delayed_channel", delayedChannelSchema, delayedChannelBuiltin},
		{"gated_channel", gatedChannelSchema, gatedChannelBuiltin},
		{"combinations", combinationsSchema, combinationsBuiltin},
		{"trigger_on_countrate", triggerOnCountrateSchema, triggerOnCountrateBuiltin},
	}
	for _, b := range builtins {
		if err := r.Register(b.typeName, b.schema, b.factory); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalConfig(config json.RawMessage, out any) error {
	if err := json.Unmarshal(config, out); err != nil {
		return errors.WrapConfig(err, "registry", "unmarshalConfig", "decode configuration")
	}
	return nil
}

const counterBuiltinSchema = `{
	"type": "object",
	"properties": {
		"channels": {"type": "array", "items": {"type": "integer"}, "minItems": 1},
		"binwidth_ps": {"type": "integer", "minimum": 1},
		"n_values": {"type": "integer", "minimum": 1}
	},
	"required": ["channels", "binwidth_ps", "n_values"]
}`

const countBetweenMarkersSchema = `{
	"type": "object",
	"properties": {
		"count_channel": {"type": "integer"},
		"marker_channel": {"type": "integer"},
		"max_results": {"type": "integer", "minimum": 0}
	},
	"required": ["count_channel", "marker_channel"]
}`

func countBetweenMarkersBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		CountChannel  int32 `json:"count_channel"`
		MarkerChannel int32 `json:"marker_channel"`
		MaxResults    int   `json:"max_results"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := measurements.NewCountBetweenMarkers(name, cfg.CountChannel, cfg.MarkerChannel, cfg.MaxResults)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

func counterBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		Channels   []int32 `json:"channels"`
		BinWidthPs int64   `json:"binwidth_ps"`
		NValues    int     `json:"n_values"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := measurements.NewCounter(name, cfg.Channels, cfg.BinWidthPs, cfg.NValues)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const correlationSchema = `{
	"type": "object",
	"properties": {
		"start_channel": {"type": "integer"},
		"stop_channel": {"type": "integer"},
		"binwidth_ps": {"type": "integer", "minimum": 1},
		"n_bins": {"type": "integer", "minimum": 1},
		"max_pending_starts": {"type": "integer", "minimum": 1}
	},
	"required": ["start_channel", "stop_channel", "binwidth_ps", "n_bins", "max_pending_starts"]
}`

func correlationBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		StartChannel     int32 `json:"start_channel"`
		StopChannel      int32 `json:"stop_channel"`
		BinWidthPs       int64 `json:"binwidth_ps"`
		NBins            int   `json:"n_bins"`
		MaxPendingStarts int   `json:"max_pending_starts"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := measurements.NewCorrelation(name, cfg.StartChannel, cfg.StopChannel, cfg.BinWidthPs, cfg.NBins, cfg.MaxPendingStarts)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const histogramLogBinsSchema = `{
	"type": "object",
	"properties": {
		"start_channel": {"type": "integer"},
		"stop_channel": {"type": "integer"},
		"min_ps": {"type": "integer", "minimum": 1},
		"n_bins": {"type": "integer", "minimum": 1},
		"max_pending_starts": {"type": "integer", "minimum": 1}
	},
	"required": ["start_channel", "stop_channel", "min_ps", "n_bins", "max_pending_starts"]
}`

func histogramLogBinsBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		StartChannel     int32 `json:"start_channel"`
		StopChannel      int32 `json:"stop_channel"`
		MinPs            int64 `json:"min_ps"`
		NBins            int   `json:"n_bins"`
		MaxPendingStarts int   `json:"max_pending_starts"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := measurements.NewHistogramLogBins(name, cfg.StartChannel, cfg.StopChannel, cfg.MinPs, cfg.NBins, cfg.MaxPendingStarts)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const timeDifferencesSchema = `{
	"type": "object",
	"properties": {
		"start_channel": {"type": "integer"},
		"click_channel": {"type": "integer"},
		"next_channel": {"type": "integer"},
		"sync_channel": {"type": "integer"},
		"binwidth_ps": {"type": "integer", "minimum": 1},
		"n_bins": {"type": "integer", "minimum": 1},
		"n_histograms": {"type": "integer", "minimum": 1},
		"max_pending_starts": {"type": "integer", "minimum": 1},
		"max_rollovers": {"type": "integer", "minimum": 0}
	},
	"required": ["start_channel", "click_channel", "next_channel", "binwidth_ps", "n_bins", "n_histograms", "max_pending_starts"]
}`

func timeDifferencesBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		StartChannel     int32 `json:"start_channel"`
		ClickChannel     int32 `json:"click_channel"`
		NextChannel      int32 `json:"next_channel"`
		SyncChannel      int32 `json:"sync_channel"`
		BinWidthPs       int64 `json:"binwidth_ps"`
		NBins            int   `json:"n_bins"`
		NHistograms      int   `json:"n_histograms"`
		MaxPendingStarts int   `json:"max_pending_starts"`
		MaxRollovers     int   `json:"max_rollovers"`
	}
	cfg.SyncChannel = channelspace.Unused()
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := measurements.NewTimeDifferences(name, cfg.StartChannel, cfg.ClickChannel, cfg.NextChannel, cfg.SyncChannel, cfg.BinWidthPs, cfg.NBins, cfg.NHistograms, cfg.MaxPendingStarts, cfg.MaxRollovers)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const flimSchema = `{
	"type": "object",
	"properties": {
		"photon_channel": {"type": "integer"},
		"pixel_begin_channel": {"type": "integer"},
		"pixel_end_channel": {"type": "integer"},
		"frame_begin_channel": {"type": "integer"},
		"binwidth_ps": {"type": "integer", "minimum": 1},
		"n_bins": {"type": "integer", "minimum": 1},
		"max_pixels_per_frame": {"type": "integer", "minimum": 1}
	},
	"required": ["photon_channel", "pixel_begin_channel", "frame_begin_channel", "binwidth_ps", "n_bins"]
}`

func flimBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		PhotonChannel     int32 `json:"photon_channel"`
		PixelBeginChannel int32 `json:"pixel_begin_channel"`
		PixelEndChannel   int32 `json:"pixel_end_channel"`
		FrameBeginChannel int32 `json:"frame_begin_channel"`
		BinWidthPs        int64 `json:"binwidth_ps"`
		NBins             int   `json:"n_bins"`
		MaxPixelsPerFrame int   `json:"max_pixels_per_frame"`
	}
	cfg.PixelEndChannel = channelspace.Unused()
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	var opts []measurements.Option
	if cfg.MaxPixelsPerFrame > 0 {
		opts = append(opts, measurements.WithMaxPixelsPerFrame(cfg.MaxPixelsPerFrame))
	}
	m, err := measurements.NewFlim(name, cfg.PhotonChannel, cfg.PixelBeginChannel, cfg.PixelEndChannel, cfg.FrameBeginChannel, cfg.BinWidthPs, cfg.NBins, opts...)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const timeTagStreamSchema = `{
	"type": "object",
	"properties": {
		"channels": {"type": "array", "items": {"type": "integer"}, "minItems": 1},
		"capacity": {"type": "integer", "minimum": 1}
	},
	"required": ["channels", "capacity"]
}`

func timeTagStreamBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		Channels []int32 `json:"channels"`
		Capacity int     `json:"capacity"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := measurements.NewTimeTagStream(name, cfg.Channels, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const combinerSchema = `{
	"type": "object",
	"properties": {
		"channels": {"type": "array", "items": {"type": "integer"}, "minItems": 1}
	},
	"required": ["channels"]
}`

func combinerBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		Channels []int32 `json:"channels"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := virtualchannel.NewCombiner(name, cfg.Channels)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const coincidencesSchema = `{
	"type": "object",
	"properties": {
		"groups": {
			"type": "array",
			"items": {"type": "array", "items": {"type": "integer"}, "minItems": 2},
			"minItems": 1
		},
		"window_ps": {"type": "integer", "minimum": 1},
		"timestamp": {"type": "string", "enum": ["last", "average", "first", "listed_first"]}
	},
	"required": ["groups", "window_ps"]
}`

func coincidencesBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		Groups    [][]int32 `json:"groups"`
		WindowPs  int64     `json:"window_ps"`
		Timestamp string    `json:"timestamp"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	policy, err := coincidenceTimestampPolicy(cfg.Timestamp)
	if err != nil {
		return nil, err
	}
	m, err := virtualchannel.NewCoincidences(name, cfg.Groups, cfg.WindowPs, policy)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

// coincidenceTimestampPolicy maps the config string to its TimestampPolicy,
// defaulting to Last when absent (matching the schema, which doesn't
// require "timestamp").
func coincidenceTimestampPolicy(s string) (virtualchannel.TimestampPolicy, error) {
	switch s {
	case "", "last":
		return virtualchannel.Last, nil
	case "average":
		return virtualchannel.Average, nil
	case "first":
		return virtualchannel.First, nil
	case "listed_first":
		return virtualchannel.ListedFirst, nil
	default:
		return 0, errors.WrapConfig(fmt.Errorf("unknown timestamp policy %q", s), "registry", "coincidenceTimestampPolicy", "timestamp")
	}
}

const delayedChannelSchema = `{
	"type": "object",
	"properties": {
		"input_channel": {"type": "integer"},
		"delay_ps": {"type": "integer", "minimum": 0},
		"max_pending": {"type": "integer", "minimum": 1}
	},
	"required": ["input_channel", "delay_ps", "max_pending"]
}`

func delayedChannelBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		InputChannel int32 `json:"input_channel"`
		DelayPs      int64 `json:"delay_ps"`
		MaxPending   int   `json:"max_pending"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := virtualchannel.NewDelayedChannel(name, cfg.InputChannel, cfg.DelayPs, cfg.MaxPending)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const gatedChannelSchema = `{
	"type": "object",
	"properties": {
		"data_channel": {"type": "integer"},
		"gate_open_channel": {"type": "integer"},
		"gate_close_channel": {"type": "integer"}
	},
	"required": ["data_channel", "gate_open_channel", "gate_close_channel"]
}`

func gatedChannelBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		DataChannel      int32 `json:"data_channel"`
		GateOpenChannel  int32 `json:"gate_open_channel"`
		GateCloseChannel int32 `json:"gate_close_channel"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := virtualchannel.NewGatedChannel(name, cfg.DataChannel, cfg.GateOpenChannel, cfg.GateCloseChannel)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const combinationsSchema = `{
	"type": "object",
	"properties": {
		"channels": {"type": "array", "items": {"type": "integer"}, "minItems": 1, "maxItems": 16},
		"window_ps": {"type": "integer", "minimum": 1}
	},
	"required": ["channels", "window_ps"]
}`

func combinationsBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		Channels []int32 `json:"channels"`
		WindowPs int64   `json:"window_ps"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := virtualchannel.NewCombinations(name, cfg.Channels, cfg.WindowPs)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}

const triggerOnCountrateSchema = `{
	"type": "object",
	"properties": {
		"input_channel": {"type": "integer"},
		"window_ps": {"type": "integer", "minimum": 1},
		"threshold_hz": {"type": "number", "exclusiveMinimum": 0},
		"max_pending": {"type": "integer", "minimum": 1}
	},
	"required": ["input_channel", "window_ps", "threshold_hz", "max_pending"]
}`

func triggerOnCountrateBuiltin(name string, config json.RawMessage) (*measurement.Base, error) {
	var cfg struct {
		InputChannel int32   `json:"input_channel"`
		WindowPs     int64   `json:"window_ps"`
		ThresholdHz  float64 `json:"threshold_hz"`
		MaxPending   int     `json:"max_pending"`
	}
	if err := unmarshalConfig(config, &cfg); err != nil {
		return nil, err
	}
	m, err := virtualchannel.NewTriggerOnCountrate(name, cfg.InputChannel, cfg.WindowPs, cfg.ThresholdHz, cfg.MaxPending)
	if err != nil {
		return nil, err
	}
	return m.Base, nil
}
