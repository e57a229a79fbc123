// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import "encoding/json"

// PluginType identifies which of the three pipeline stages a plugin
// instance belongs to.
type PluginType string

const (
	PluginInput    PluginType = "input"
	PluginAnalysis PluginType = "analysis"
	PluginOutput   PluginType = "output"
)

// ReadQueue names the queue(s) an output plugin consumes from. This is a
// three-valued variant of the single-character read_queue codes
// ('a'/'b'/'i') from the system being modeled, spelled out instead of
// left as a naming artifact.
type ReadQueue string

const (
	ReadQueueInput    ReadQueue = "input"
	ReadQueueAnalysis ReadQueue = "analysis"
	ReadQueueBoth     ReadQueue = "both"
)

// PluginDefaults holds the per-type resource defaults that apply to every
// plugin of that type unless overridden in the plugin's own config file.
type PluginDefaults struct {
	MemoryLimit      int64 `json:"memory_limit"`
	InstructionLimit int64 `json:"instruction_limit"`
	OutputLimit      int64 `json:"output_limit"`
	TickerInterval   int64 `json:"ticker_interval"`
	PreserveData     bool  `json:"preserve_data"`
}

// Config is the root configuration object. It is the sole output of the
// config loader: every other package in this module receives a *Config,
// never raw JSON.
type Config struct {
	OutputPath  string `json:"output_path"`
	OutputSize  int64  `json:"output_size"`
	LoadPath    string `json:"load_path"`
	RunPath     string `json:"run_path"`

	AnalysisThreads int `json:"analysis_threads"`
	MaxMessageSize  int `json:"max_message_size"`

	Hostname string `json:"hostname"`

	Backpressure   int64 `json:"backpressure"`
	BackpressureDf int64 `json:"backpressure_df"`

	InputDefaults    PluginDefaults `json:"input_defaults"`
	AnalysisDefaults PluginDefaults `json:"analysis_defaults"`
	OutputDefaults   PluginDefaults `json:"output_defaults"`

	// AdminListen, if non-empty, enables the admin HTTP surface
	// (healthz/metrics/debug) on this address. Additive observability,
	// off by default.
	AdminListen string `json:"admin_listen"`

	// GopsListen, if non-empty, enables github.com/google/gops agent
	// listening on this address for runtime diagnostics.
	GopsListen string `json:"gops_listen"`

	LogLevel    string `json:"log_level"`
	LogDateTime bool   `json:"log_date_time"`
}

// PluginConfig is the per-plugin configuration object discovered by
// scanning LoadPath. One file maps to one PluginConfig.
type PluginConfig struct {
	Name     string     `json:"name"`
	Type     PluginType `json:"type"`
	Filename string     `json:"filename"`

	MessageMatcher string `json:"message_matcher"`

	// Thread pins an analysis plugin to a worker index; -1 (default)
	// means "hash the plugin name".
	Thread int `json:"thread"`

	AsyncBufferSize int       `json:"async_buffer_size"`
	ReadQueue       ReadQueue `json:"read_queue"`

	RmCpTerminate     bool `json:"rm_cp_terminate"`
	ShutdownTerminate bool `json:"shutdown_terminate"`

	MemoryLimit      int64 `json:"memory_limit"`
	InstructionLimit int64 `json:"instruction_limit"`
	OutputLimit      int64 `json:"output_limit"`
	TickerInterval   int64 `json:"ticker_interval"`
	PreserveData     bool  `json:"preserve_data"`

	// Config is the plugin-local configuration table, passed to the
	// sandbox at create() time verbatim.
	Config json.RawMessage `json:"config"`
}

// ApplyDefaults fills zero-valued resource fields on p from d. Per-plugin
// values, when set, always win.
func (p *PluginConfig) ApplyDefaults(d PluginDefaults) {
	if p.MemoryLimit == 0 {
		p.MemoryLimit = d.MemoryLimit
	}
	if p.InstructionLimit == 0 {
		p.InstructionLimit = d.InstructionLimit
	}
	if p.OutputLimit == 0 {
		p.OutputLimit = d.OutputLimit
	}
	if p.TickerInterval == 0 {
		p.TickerInterval = d.TickerInterval
	}
	if !p.PreserveData {
		p.PreserveData = d.PreserveData
	}
}

// DefaultConfig returns the baseline configuration used when a field is
// missing from the configuration file.
func DefaultConfig() Config {
	return Config{
		OutputSize:      64 * 1024 * 1024,
		RunPath:         "run",
		AnalysisThreads: 4,
		MaxMessageSize:  1024 * 1024,
		Backpressure:    1000,
		LogLevel:        "info",
		InputDefaults: PluginDefaults{
			MemoryLimit:      8 * 1024 * 1024,
			InstructionLimit: 1_000_000,
			OutputLimit:      1024 * 1024,
			TickerInterval:   0,
		},
		AnalysisDefaults: PluginDefaults{
			MemoryLimit:      8 * 1024 * 1024,
			InstructionLimit: 1_000_000,
			OutputLimit:      1024 * 1024,
			TickerInterval:   0,
		},
		OutputDefaults: PluginDefaults{
			MemoryLimit:      8 * 1024 * 1024,
			InstructionLimit: 1_000_000,
			OutputLimit:      1024 * 1024,
			TickerInterval:   0,
		},
	}
}
