package datagen

import (
	"encoding/json"
	"os"
)

// Config holds all the configuration for the fixture generation tool.
type Config struct {
	// InputPath is a single file or a directory whose files are sealed as
	// attachments. If empty, new data is generated.
	InputPath string `json:"input_path"`

	// OutputDir receives the encrypted blobs (named by server id, the layout
	// cmd/cdn serves), the pointers/ directory and manifest.json.
	OutputDir string `json:"output_dir"`

	// DBPath, when set, is a bbolt store seeded with one thread holding one
	// incoming message per attachment.
	DBPath string `json:"db_path"`

	// ThreadID names the seeded thread.
	ThreadID string `json:"thread_id"`

	// FirstServerID is the server id of the first blob; the rest follow in order.
	FirstServerID uint64 `json:"first_server_id"`

	// CDNNumber is stamped on every pointer.
	CDNNumber uint32 `json:"cdn_number"`

	// GenerationMode settings are used when InputPath is empty.
	GenerationMode GenerationConfig `json:"generation_mode"`
}

// GenerationConfig specifies how to generate new data.
type GenerationConfig struct {
	// NumFiles is the number of attachments to generate.
	NumFiles int `json:"num_files"`

	// FileSize is the plaintext size of each generated attachment in bytes.
	FileSize int64 `json:"file_size"`

	// Readable defines if the generated data should be human-readable text.
	// If false, it will be random binary data.
	Readable bool `json:"readable"`

	// Pattern is used when Readable is true. It's a repeating string pattern.
	Pattern string `json:"pattern"`
}

// LoadConfig reads a configuration file from the given path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := DefaultConfig()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:     "cdn_data",
		ThreadID:      "fixture-thread",
		FirstServerID: 1,
		GenerationMode: GenerationConfig{
			NumFiles: 4,
			FileSize: 256 * 1024, // 256 KiB
			Readable: true,
			Pattern:  "This is a sample text pattern for generated data. ",
		},
	}
}
